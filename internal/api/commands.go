package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rts.bridge/internal/rts"
	"github.com/banshee-data/rts.bridge/internal/transport"
)

type sendCommandRequest struct {
	Command string `json:"command"`
}

type sendResponse struct {
	ID         string            `json:"id"`
	Command    string            `json:"command"`
	Confirmed  bool              `json:"confirmed"`
	Outcome    transport.Outcome `json:"outcome"`
	LatencyMs  float64           `json:"latency_ms"`
	Error      string            `json:"error,omitempty"`
	Mismatches []string          `json:"mismatches,omitempty"`
	// RollingCode is the code the remote will use next; only set by /api/rts.
	RollingCode *int `json:"next_rolling_code,omitempty"`
}

// statusForOutcome maps a send outcome onto an HTTP status.
func statusForOutcome(o transport.Outcome) int {
	switch o {
	case transport.OutcomeConfirmed:
		return http.StatusOK
	case transport.OutcomeTimeout:
		return http.StatusGatewayTimeout
	case transport.OutcomeIOError:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func newSendResponse(res transport.SendResult) sendResponse {
	return sendResponse{
		ID:         res.ID,
		Command:    res.Command,
		Confirmed:  res.Confirmed(),
		Outcome:    res.Outcome,
		LatencyMs:  float64(res.Latency) / float64(time.Millisecond),
		Error:      res.Error,
		Mismatches: res.Mismatches,
	}
}

// decodeJSON decodes a JSON request body. Other content types yield
// errNotJSON so callers can fall back to form values.
func decodeJSON(r *http.Request, v any) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("invalid JSON body: %w", err)
		}
		return nil
	}
	return errNotJSON
}

var errNotJSON = errors.New("not a JSON body")

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req sendCommandRequest
	if err := decodeJSON(r, &req); errors.Is(err, errNotJSON) {
		req.Command = r.FormValue("command")
	} else if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	command := strings.TrimSpace(req.Command)
	if command == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing command")
		return
	}

	res, _ := s.sender.SendContext(r.Context(), command)
	s.writeJSON(w, statusForOutcome(res.Outcome), newSendResponse(res))
}

type sendRTSRequest struct {
	Action  string `json:"action"`
	Address string `json:"address"`
	// RollingCode overrides the stored code for this remote.
	RollingCode *int `json:"rolling_code,omitempty"`
}

func (s *Server) sendRTS(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req sendRTSRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	action, err := rts.ParseAction(req.Action)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	address, err := rts.NormaliseAddress(req.Address)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// the stored code is read, transmitted and advanced under one lock so
	// concurrent requests never transmit the same code twice
	s.rtsMu.Lock()
	defer s.rtsMu.Unlock()

	var code int
	switch {
	case req.RollingCode != nil:
		code = *req.RollingCode
	case s.store != nil:
		stored, _, err := s.store.RollingCode(address)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		code = stored
	default:
		s.writeJSONError(w, http.StatusBadRequest, "rolling_code is required when the command log is disabled")
		return
	}

	command, err := rts.Command{Action: action, Address: address, RollingCode: code}.Encode()
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, _ := s.sender.SendContext(r.Context(), command)
	resp := newSendResponse(res)

	// a frame that left the stick has consumed its rolling code, echoed or not
	if !res.WrittenAt.IsZero() {
		next := rts.NextRollingCode(code)
		resp.RollingCode = &next
		if s.store != nil {
			if err := s.store.SetRollingCode(address, next); err != nil {
				s.writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}
	s.writeJSON(w, statusForOutcome(res.Outcome), resp)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, rts.Actions())
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "command log disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.store.RecentCommands(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read command log: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "command log disabled")
		return
	}

	// window defaults to the last 24 hours
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "window must be a positive duration such as 1h")
			return
		}
		window = d
	}

	stats, err := s.store.CommandStats(time.Now().Add(-window))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to compute stats: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
