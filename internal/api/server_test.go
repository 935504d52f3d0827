package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rts.bridge/internal/db"
	"github.com/banshee-data/rts.bridge/internal/serialmux"
	"github.com/banshee-data/rts.bridge/internal/transport"
	"github.com/banshee-data/rts.bridge/internal/version"
)

// fakeSender returns a canned outcome for every command and remembers what
// it was asked to send.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	outcome transport.Outcome
	written bool
	// delay holds each send open, like a transport waiting for an echo.
	delay time.Duration
}

func (f *fakeSender) SendContext(ctx context.Context, command string) (transport.SendResult, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, command)

	res := transport.SendResult{
		ID:        "id-" + command,
		Command:   command,
		Outcome:   f.outcome,
		StartedAt: time.Now(),
	}
	if f.written {
		res.WrittenAt = res.StartedAt
	}
	var err error
	switch f.outcome {
	case transport.OutcomeConfirmed:
		res.Latency = 12 * time.Millisecond
	case transport.OutcomeTimeout:
		err = transport.ErrTimeout
	case transport.OutcomeIOError:
		err = &transport.IOError{Op: "write", Err: errors.New("boom")}
	default:
		err = transport.ErrLinkUnavailable
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res, err
}

type openLink bool

func (o openLink) IsOpen() bool { return bool(o) }

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func postJSON(t *testing.T, h http.Handler, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestSendCommand_StatusByOutcome(t *testing.T) {
	tests := []struct {
		outcome transport.Outcome
		status  int
	}{
		{transport.OutcomeConfirmed, http.StatusOK},
		{transport.OutcomeTimeout, http.StatusGatewayTimeout},
		{transport.OutcomeLinkUnavailable, http.StatusServiceUnavailable},
		{transport.OutcomeIOError, http.StatusBadGateway},
		{transport.OutcomeInterrupted, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			sender := &fakeSender{outcome: tt.outcome}
			srv := NewServer(sender, nil, openLink(true), nil)

			w := postJSON(t, srv.ServeMux(), "/api/commands", map[string]string{"command": "YsA1200102ABCDEF"}, nil)
			assert.Equal(t, tt.status, w.Code)

			resp := decode[sendResponse](t, w)
			assert.Equal(t, tt.outcome == transport.OutcomeConfirmed, resp.Confirmed)
			assert.Equal(t, tt.outcome, resp.Outcome)
			assert.Equal(t, "YsA1200102ABCDEF", resp.Command)
		})
	}
}

func TestSendCommand_FormAndValidation(t *testing.T) {
	sender := &fakeSender{outcome: transport.OutcomeConfirmed}
	mux := NewServer(sender, nil, nil, nil).ServeMux()

	form := url.Values{"command": {"V"}}
	req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, mux, "/api/commands", map[string]string{"command": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, mux, "/api/commands", map[string]string{"cmd": "V"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/commands", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	assert.Equal(t, []string{"V"}, sender.sent)
}

func TestSendRTS_UsesAndAdvancesStoredRollingCode(t *testing.T) {
	store := setupTestDB(t)
	require.NoError(t, store.SetRollingCode("ABCDEF", 0x0102))

	sender := &fakeSender{outcome: transport.OutcomeConfirmed, written: true}
	mux := NewServer(sender, store, openLink(true), nil).ServeMux()

	w := postJSON(t, mux, "/api/rts", map[string]any{"action": "up", "address": "abcdef"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[sendResponse](t, w)
	assert.Equal(t, "YsA1200102ABCDEF", resp.Command)
	require.NotNil(t, resp.RollingCode)
	assert.Equal(t, 0x0103, *resp.RollingCode)

	code, ok, err := store.RollingCode("ABCDEF")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0x0103, code)

	// a timed-out frame still went out on air and consumed its code
	sender.outcome = transport.OutcomeTimeout
	w = postJSON(t, mux, "/api/rts", map[string]any{"action": "down", "address": "ABCDEF"}, nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	code, _, _ = store.RollingCode("ABCDEF")
	assert.Equal(t, 0x0104, code)

	// nothing was written, so the code is kept
	sender.outcome, sender.written = transport.OutcomeLinkUnavailable, false
	w = postJSON(t, mux, "/api/rts", map[string]any{"action": "stop", "address": "ABCDEF"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	code, _, _ = store.RollingCode("ABCDEF")
	assert.Equal(t, 0x0104, code)

	assert.Equal(t, []string{"YsA1200102ABCDEF", "YsA1400103ABCDEF", "YsA1100104ABCDEF"}, sender.sent)
}

func TestSendRTS_ConcurrentRequestsUseDistinctRollingCodes(t *testing.T) {
	store := setupTestDB(t)
	require.NoError(t, store.SetRollingCode("ABCDEF", 0x0010))

	sender := &fakeSender{outcome: transport.OutcomeTimeout, written: true, delay: 50 * time.Millisecond}
	mux := NewServer(sender, store, openLink(true), nil).ServeMux()

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := postJSON(t, mux, "/api/rts", map[string]any{"action": "up", "address": "ABCDEF"}, nil)
			codes[i] = w.Code
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{http.StatusGatewayTimeout, http.StatusGatewayTimeout}, codes)
	assert.ElementsMatch(t, []string{"YsA1200010ABCDEF", "YsA1200011ABCDEF"}, sender.sent)

	code, _, err := store.RollingCode("ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, 0x0012, code)
}

func TestSendRTS_ExplicitRollingCodeWithoutStore(t *testing.T) {
	sender := &fakeSender{outcome: transport.OutcomeConfirmed, written: true}
	mux := NewServer(sender, nil, nil, nil).ServeMux()

	w := postJSON(t, mux, "/api/rts", map[string]any{"action": "my", "address": "123456", "rolling_code": 0xFFFF}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[sendResponse](t, w)
	assert.Equal(t, "YsA110FFFF123456", resp.Command)
	require.NotNil(t, resp.RollingCode)
	assert.Equal(t, 0, *resp.RollingCode)

	w = postJSON(t, mux, "/api/rts", map[string]any{"action": "my", "address": "123456"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendRTS_Validation(t *testing.T) {
	sender := &fakeSender{outcome: transport.OutcomeConfirmed}
	mux := NewServer(sender, nil, nil, nil).ServeMux()

	for name, body := range map[string]map[string]any{
		"bad action":  {"action": "wiggle", "address": "ABCDEF", "rolling_code": 1},
		"bad address": {"action": "up", "address": "XYZ", "rolling_code": 1},
		"bad code":    {"action": "up", "address": "ABCDEF", "rolling_code": 70000},
	} {
		w := postJSON(t, mux, "/api/rts", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
	assert.Empty(t, sender.sent)
}

func TestListCommandsAndStats(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now()
	require.NoError(t, store.RecordSend(transport.SendResult{ID: "1", Command: "a", Outcome: transport.OutcomeConfirmed, StartedAt: now.Add(-2 * time.Minute), Latency: 20 * time.Millisecond}))
	require.NoError(t, store.RecordSend(transport.SendResult{ID: "2", Command: "b", Outcome: transport.OutcomeTimeout, StartedAt: now.Add(-time.Minute)}))

	mux := NewServer(&fakeSender{}, store, nil, nil).ServeMux()

	req := httptest.NewRequest(http.MethodGet, "/api/commands?limit=1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]db.CommandRecord](t, w)
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/api/commands?limit=zero", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/stats?window=1h", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[db.CommandStats](t, w)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByOutcome[transport.OutcomeTimeout])
	assert.InDelta(t, 20, stats.LatencyMeanMs, 1e-9)

	req = httptest.NewRequest(http.MethodGet, "/api/stats?window=-1h", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogRoutesWithoutStore(t *testing.T) {
	mux := NewServer(&fakeSender{}, nil, nil, nil).ServeMux()
	for _, path := range []string{"/api/commands", "/api/stats"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestHealth(t *testing.T) {
	for _, open := range []bool{true, false} {
		mux := NewServer(&fakeSender{}, nil, openLink(open), nil).ServeMux()
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		body := decode[map[string]any](t, w)
		assert.Equal(t, open, body["link_open"])
		assert.Equal(t, version.Version, body["version"])
		if open {
			assert.Equal(t, "ok", body["status"])
		} else {
			assert.Equal(t, "degraded", body["status"])
		}
	}
}

func TestListActions(t *testing.T) {
	mux := NewServer(&fakeSender{}, nil, nil, nil).ServeMux()
	req := httptest.NewRequest(http.MethodGet, "/api/rts/actions", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]string](t, w), 9)
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
}

// TestSendCommand_EndToEnd drives the real transport over a mock CUL stick.
func TestSendCommand_EndToEnd(t *testing.T) {
	store := setupTestDB(t)
	link := serialmux.NewMockLink(serialmux.EchoOptions{Fragments: 2, FragmentGap: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Monitor(ctx)

	tr := transport.New(link, transport.Options{Recorder: store})
	defer tr.Close()

	mux := NewServer(tr, store, link, nil).ServeMux()

	w := postJSON(t, mux, "/api/commands", map[string]string{"command": "YsA1200102ABCDEF"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[sendResponse](t, w).Confirmed)

	records, err := store.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, transport.OutcomeConfirmed, records[0].Outcome)
	assert.Equal(t, "YsA1200102ABCDEF", records[0].Command)
}
