// Package rts encodes Somfy RTS remote actions into CUL send commands.
package rts

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Action is a Somfy RTS button combination.
type Action string

const (
	ActionMy      Action = "my"
	ActionUp      Action = "up"
	ActionMyUp    Action = "my+up"
	ActionDown    Action = "down"
	ActionMyDown  Action = "my+down"
	ActionUpDown  Action = "up+down"
	ActionProg    Action = "prog"
	ActionSunFlag Action = "sun+flag"
	ActionFlag    Action = "flag"
)

// actionKeys maps each action to the control nibble sent over the air.
var actionKeys = map[Action]string{
	ActionMy:      "1",
	ActionUp:      "2",
	ActionMyUp:    "3",
	ActionDown:    "4",
	ActionMyDown:  "5",
	ActionUpDown:  "6",
	ActionProg:    "8",
	ActionSunFlag: "9",
	ActionFlag:    "A",
}

// aliases accepted by ParseAction in addition to the canonical names.
var aliases = map[string]Action{
	"stop":    ActionMy,
	"program": ActionProg,
	"open":    ActionUp,
	"close":   ActionDown,
}

const (
	// commandPrefix selects the CUL Somfy send command.
	commandPrefix = "Ys"
	// encryptionKey is the fixed key byte the CUL firmware expects. The low
	// nibble is the remote's key, which receivers ignore.
	encryptionKey = "A1"

	// MaxRollingCode is the largest rolling code before wraparound.
	MaxRollingCode = 0xFFFF
)

var (
	ErrUnknownAction  = errors.New("unknown RTS action")
	ErrInvalidAddress = errors.New("invalid RTS address")
	ErrInvalidRolling = errors.New("invalid rolling code")
)

// Actions returns the canonical action names in sorted order.
func Actions() []Action {
	out := make([]Action, 0, len(actionKeys))
	for a := range actionKeys {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseAction resolves a case-insensitive action name or alias.
func ParseAction(s string) (Action, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if a, ok := aliases[name]; ok {
		return a, nil
	}
	if _, ok := actionKeys[Action(name)]; ok {
		return Action(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Key returns the control nibble for the action.
func (a Action) Key() (string, error) {
	k, ok := actionKeys[a]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, string(a))
	}
	return k, nil
}

// NormaliseAddress validates a remote address of exactly six hex digits and
// returns it upper-cased.
func NormaliseAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if len(addr) != 6 {
		return "", fmt.Errorf("%w: %q must be 6 hex digits", ErrInvalidAddress, addr)
	}
	if _, err := strconv.ParseUint(addr, 16, 32); err != nil {
		return "", fmt.Errorf("%w: %q must be 6 hex digits", ErrInvalidAddress, addr)
	}
	return strings.ToUpper(addr), nil
}

// FormatRollingCode renders a rolling code as four upper-case hex digits.
func FormatRollingCode(code int) (string, error) {
	if code < 0 || code > MaxRollingCode {
		return "", fmt.Errorf("%w: %d out of range 0..%d", ErrInvalidRolling, code, MaxRollingCode)
	}
	return fmt.Sprintf("%04X", code), nil
}

// ParseRollingCode parses four hex digits, as stored by most RTS tooling.
func ParseRollingCode(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) != 4 {
		return 0, fmt.Errorf("%w: %q must be 4 hex digits", ErrInvalidRolling, s)
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q must be 4 hex digits", ErrInvalidRolling, s)
	}
	return int(v), nil
}

// NextRollingCode returns the code a remote sends after code.
func NextRollingCode(code int) int {
	return (code + 1) & MaxRollingCode
}

// Command is one RTS transmission.
type Command struct {
	Action      Action
	Address     string
	RollingCode int
}

// Encode renders the command in the CUL "Ys" format, for example
// YsA1200102ABCDEF for up, rolling code 0x0102 and address ABCDEF.
func (c Command) Encode() (string, error) {
	key, err := c.Action.Key()
	if err != nil {
		return "", err
	}
	addr, err := NormaliseAddress(c.Address)
	if err != nil {
		return "", err
	}
	rolling, err := FormatRollingCode(c.RollingCode)
	if err != nil {
		return "", err
	}
	return commandPrefix + encryptionKey + key + "0" + rolling + addr, nil
}

// Decode parses a CUL "Ys" command back into its parts.
func Decode(s string) (Command, error) {
	const size = len(commandPrefix) + len(encryptionKey) + 2 + 4 + 6
	if len(s) != size || !strings.HasPrefix(s, commandPrefix+encryptionKey) {
		return Command{}, fmt.Errorf("not an RTS command: %q", s)
	}
	body := s[len(commandPrefix)+len(encryptionKey):]
	if body[1] != '0' {
		return Command{}, fmt.Errorf("not an RTS command: %q", s)
	}

	var action Action
	for a, k := range actionKeys {
		if strings.EqualFold(k, body[:1]) {
			action = a
			break
		}
	}
	if action == "" {
		return Command{}, fmt.Errorf("%w: control %q", ErrUnknownAction, body[:1])
	}

	rolling, err := ParseRollingCode(body[2:6])
	if err != nil {
		return Command{}, err
	}
	addr, err := NormaliseAddress(body[6:])
	if err != nil {
		return Command{}, err
	}
	return Command{Action: action, Address: addr, RollingCode: rolling}, nil
}
