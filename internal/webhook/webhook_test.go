package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	mu     sync.Mutex
	events []Event
	sigs   []string
}

func (r *received) add(ev Event, sig string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.sigs = append(r.sigs, sig)
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestForwarderDeliversSignedEvents(t *testing.T) {
	got := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		assert.Equal(t, Sign(body, "s3cret"), req.Header.Get(HeaderSignature))
		var ev Event
		require.NoError(t, json.Unmarshal(body, &ev))
		got.add(ev, req.Header.Get(HeaderEvent))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f, err := New(Config{URL: srv.URL, Secret: "s3cret", Events: []string{"message"}, AllowPrivate: true})
	require.NoError(t, err)
	defer f.Shutdown()

	assert.Equal(t, "webhook", f.ID())
	require.NoError(t, f.Emit("qr", map[string]any{"id": 1}))
	require.NoError(t, f.Emit("message", map[string]any{"id": 2, "text": "oi"}))

	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "message", got.events[0].Event)
	assert.Equal(t, "message", got.sigs[0])
}

func TestForwarderRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, err := New(Config{URL: srv.URL, RetryLimit: 3, Backoff: time.Millisecond, AllowPrivate: true})
	require.NoError(t, err)
	defer f.Shutdown()

	require.NoError(t, f.Emit("status", nil))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, validateURL("https://hooks.example.com/wa", false))
	assert.ErrorIs(t, validateURL("http://hooks.example.com/wa", false), ErrInvalidURL)
	assert.ErrorIs(t, validateURL("https://192.168.0.10/wa", false), ErrInvalidURL)
	assert.ErrorIs(t, validateURL("", false), ErrInvalidURL)
	assert.NoError(t, validateURL("http://127.0.0.1:8080/wa", true))
	assert.ErrorIs(t, validateURL("ftp://127.0.0.1/wa", true), ErrInvalidURL)
}
