package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hylla/fieldsync/internal/app"
)

const defaultProbeInterval = 15 * time.Second

// Pinger checks whether the remote API answers.
type Pinger interface {
	Ping(ctx context.Context, healthPath string) error
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	HealthPath string
	Interval   time.Duration
	Logger     app.Logger
}

// Prober tracks reachability of the remote API by polling its health endpoint.
// It implements app.Connectivity.
type Prober struct {
	pinger   Pinger
	path     string
	interval time.Duration
	logger   app.Logger

	mu      sync.Mutex
	online  bool
	changes chan bool
}

// NewProber constructs a Prober that starts offline until the first probe.
func NewProber(pinger Pinger, cfg ProberConfig) *Prober {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Prober{
		pinger:   pinger,
		path:     cfg.HealthPath,
		interval: interval,
		logger:   cfg.Logger,
		changes:  make(chan bool, 1),
	}
}

// Online reports the last observed reachability.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Changes delivers reachability transitions. Only the latest unread value is kept.
func (p *Prober) Changes() <-chan bool {
	return p.changes
}

// Set records reachability and reports whether it changed.
func (p *Prober) Set(online bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online == online {
		return false
	}
	p.online = online
	select {
	case <-p.changes:
	default:
	}
	p.changes <- online
	if p.logger != nil {
		p.logger.Info("connectivity changed", "online", online)
	}
	return true
}

// Probe runs one health check and records the result. A server that answers
// with a client error is still reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	err := p.pinger.Ping(pctx, p.path)
	online := err == nil
	var statusErr *StatusError
	if errors.As(err, &statusErr) && !Retryable(statusErr.StatusCode) {
		online = true
	}
	if err != nil && !online && p.logger != nil {
		p.logger.Debug("remote health check failed", "err", err)
	}
	p.Set(online)
	return online
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

var _ app.Connectivity = (*Prober)(nil)
