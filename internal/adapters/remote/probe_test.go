package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPinger struct {
	mu      sync.Mutex
	results []error
}

func (p *scriptedPinger) Ping(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func TestProber_ReportsTransitions(t *testing.T) {
	pinger := &scriptedPinger{results: []error{
		errors.New("dial tcp: connection refused"),
		nil,
		&StatusError{Method: http.MethodGet, Path: "/health", StatusCode: http.StatusNotFound},
		&StatusError{Method: http.MethodGet, Path: "/health", StatusCode: http.StatusServiceUnavailable},
	}}
	prober := NewProber(pinger, ProberConfig{Interval: time.Second})
	ctx := context.Background()

	assert.False(t, prober.Probe(ctx))
	assert.False(t, prober.Online())
	select {
	case v := <-prober.Changes():
		t.Fatalf("unexpected change %v while staying offline", v)
	default:
	}

	assert.True(t, prober.Probe(ctx))
	assert.True(t, <-prober.Changes())

	assert.True(t, prober.Probe(ctx), "a client error still means the server answered")
	assert.False(t, prober.Probe(ctx))
	assert.False(t, <-prober.Changes())
}

func TestProber_KeepsLatestUnreadChange(t *testing.T) {
	prober := NewProber(&scriptedPinger{}, ProberConfig{})
	require.True(t, prober.Set(true))
	require.True(t, prober.Set(false))
	require.True(t, prober.Set(true))
	require.False(t, prober.Set(true))

	assert.True(t, <-prober.Changes())
	select {
	case v := <-prober.Changes():
		t.Fatalf("expected a single pending change, got extra %v", v)
	default:
	}
}

func TestProber_RunAgainstHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	prober := NewProber(client, ProberConfig{HealthPath: "/health", Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- prober.Run(ctx) }()

	select {
	case online := <-prober.Changes():
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connectivity")
	}
	cancel()
	require.NoError(t, <-done)
}
