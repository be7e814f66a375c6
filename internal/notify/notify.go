// Package notify sends task messages through the transport adapter with rate
// limiting and bounded retries.
package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifybot/internal/store"
	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Service struct {
	adapter sender
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log}
	s.Apply(cfg)
	return s
}

// Apply replaces the rate and retry settings, e.g. on config reload.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Deliver sends one task message to one chat, waiting its turn at the rate
// limiter and retrying transient failures with backoff.
func (s *Service) Deliver(ctx context.Context, chatID int64, task store.Task) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	opt := &transport.SendOptions{Buttons: toTransportButtons(task.Buttons)}
	target := transport.ChatTarget{ChatID: chatID}

	var last error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(callCtx, target, task.Text, opt)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		s.log.Debug("send failed",
			logx.String("task_id", task.ID),
			logx.Int64("chat_id", chatID),
			logx.Int("attempt", attempt),
			logx.Err(err))

		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return last
}

func toTransportButtons(btns []store.Button) []transport.Button {
	if len(btns) == 0 {
		return nil
	}
	out := make([]transport.Button, len(btns))
	for i, b := range btns {
		out[i] = transport.Button{Label: b.Label, URL: b.URL}
	}
	return out
}

// retryDelay grows exponentially from RetryBase, capped at RetryMaxDelay,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
