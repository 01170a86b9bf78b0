// Package beacon posts best-effort telemetry events to an HTTP collector.
//
// Post never blocks the caller and never reports failure: each event is
// delivered from its own goroutine under a bounded timeout that is detached
// from the request that produced it. Delivery errors only reach the log.
package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config selects the collector. An empty URL disables the beacon.
type Config struct {
	URL      string
	Token    string
	Source   string
	Timeout  time.Duration // per event, across all attempts
	Attempts uint
}

// Event is the JSON body posted to the collector.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Poster delivers events. A nil *Poster is valid and drops everything.
type Poster struct {
	cfg    Config
	client *http.Client

	// mu orders wg.Add against Close so no delivery starts once Close
	// is waiting.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Poster.
func New(cfg Config) *Poster {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 2
	}
	if cfg.Source == "" {
		cfg.Source = "promptstore"
	}
	if cfg.URL != "" {
		log.Info().Str("url", cfg.URL).Dur("timeout", cfg.Timeout).Msg("Telemetry beacon enabled")
	}
	return &Poster{cfg: cfg, client: &http.Client{}}
}

// Enabled reports whether events are being sent anywhere.
func (p *Poster) Enabled() bool {
	return p != nil && p.cfg.URL != ""
}

// Post queues an event and returns immediately.
func (p *Poster) Post(kind string, payload any) {
	if !p.Enabled() {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    p.cfg.Source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		if err := p.send(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event", ev.Kind).Str("id", ev.ID).Msg("Beacon delivery failed")
			return
		}
		log.Debug().Str("event", ev.Kind).Str("id", ev.ID).Msg("Beacon delivered")
	}()
}

// Close stops accepting events and waits for in-flight deliveries, or for
// ctx to end.
func (p *Poster) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poster) send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal beacon event: %w", err)
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build beacon request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", "promptstore-beacon/1.0")
			req.Header.Set("X-Promptstore-Event", ev.Kind)
			if p.cfg.Token != "" {
				req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
			}

			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
				return retry.Unrecoverable(fmt.Errorf("beacon HTTP %d from %s", resp.StatusCode, p.cfg.URL))
			default:
				return fmt.Errorf("beacon HTTP %d from %s", resp.StatusCode, p.cfg.URL)
			}
		},
		retry.Context(ctx),
		retry.Attempts(p.cfg.Attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
