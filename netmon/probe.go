package netmon

import (
	"context"
	"net/http"
	"time"

	"github.com/beaconlabs/beaconq/internal/logging"
)

// Probe is a Monitor that detects connectivity by periodically issuing a GET
// against a known endpoint (typically the collector's health route). It
// notifies subscribers only on transitions.
type Probe struct {
	*Manual

	url      string
	interval time.Duration
	client   *http.Client
	log      *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewProbe(url string, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Probe{
		// Reports online until the first probe completes.
		Manual:   NewManual(true),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logging.New("beaconq-netmon"),
	}
}

// Start begins probing in the background. Stop must be called to release it.
func (p *Probe) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.check(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the probe goroutine to exit.
func (p *Probe) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Probe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	online := err == nil && resp.StatusCode < http.StatusInternalServerError
	if err == nil {
		_ = resp.Body.Close()
	}
	if online != p.Online() {
		p.log.Plain().WithField("online", online).Info("connectivity changed")
		p.Set(online)
	}
}
