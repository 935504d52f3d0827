package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// openPort is swapped out by tests.
var openPort = func(path string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(path, mode)
}

// OpenLink opens the serial port at path with the given options and wraps it
// in a Link.
func OpenLink(path string, opts PortOptions) (*Link[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := openPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return NewLink[serial.Port](port), nil
}

// ListPorts returns the names of the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
