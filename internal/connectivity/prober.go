package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	gosync "sync"
	"time"
)

// probeTimeout is the maximum time allowed for a single probe.
const probeTimeout = 5 * time.Second

// Prober polls a health URL and drives a Signal: any 2xx answer means
// online, anything else (including a timeout) means offline.
type Prober struct {
	url      string
	interval time.Duration
	signal   *Signal
	client   *http.Client
	logger   *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      gosync.Mutex
	running bool
}

// NewProber creates a prober for url that updates signal every interval.
func NewProber(url string, interval time.Duration, signal *Signal) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		url:      url,
		interval: interval,
		signal:   signal,
		client:   &http.Client{Timeout: probeTimeout},
		logger:   slog.Default().With("component", "connectivity"),
	}
}

// Start probes immediately and then on every tick until Stop is called.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.loop(p.stopCh, p.doneCh)
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.doneCh
	p.running = false
	p.mu.Unlock()

	<-done
}

func (p *Prober) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(context.Background())

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.ProbeOnce(context.Background())
		}
	}
}

// ProbeOnce runs a single probe, updates the signal, and returns the
// observed state.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	online := p.probe(ctx)
	if online != p.signal.IsOnline() {
		p.logger.InfoContext(ctx, "connectivity changed", "online", online, "url", p.url)
	}
	p.signal.Set(online)
	return online
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.WarnContext(ctx, "invalid probe url", "url", p.url, "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.DebugContext(ctx, "probe failed", "url", p.url, "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
