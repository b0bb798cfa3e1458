package guestbook

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeInterval is how often Monitor checks the server.
const DefaultProbeInterval = 5 * time.Second

// Monitor polls the server's health endpoint and calls OnOnline when it
// comes back after a failed probe.
type Monitor struct {
	URL      string
	Interval time.Duration
	HTTP     *http.Client
	OnOnline func()
	Logger   *zap.Logger

	online bool
}

// NewMonitor watches baseURL/health and kicks book whenever connectivity
// returns.
func NewMonitor(baseURL string, book *Book, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		URL:      strings.TrimRight(baseURL, "/") + "/health",
		Interval: DefaultProbeInterval,
		HTTP:     &http.Client{Timeout: 3 * time.Second},
		OnOnline: book.Kick,
		Logger:   log,
		online:   true,
	}
}

// Probe reports whether the health endpoint answered 2xx.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return false
	}
	client := m.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// Check probes once and fires OnOnline on an offline to online transition.
func (m *Monitor) Check(ctx context.Context) bool {
	up := m.Probe(ctx)
	if up && !m.online {
		m.Logger.Info("server reachable again", zap.String("url", m.URL))
		if m.OnOnline != nil {
			m.OnOnline()
		}
	} else if !up && m.online {
		m.Logger.Info("server unreachable", zap.String("url", m.URL))
	}
	m.online = up
	return up
}

// Run calls Check every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
