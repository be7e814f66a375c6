package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifybot/internal/store"
	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    []sendCall
	failNext int
}

type sendCall struct {
	chatID int64
	text   string
	opt    *transport.SendOptions
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{chatID: to.ChatID, text: text, opt: opt})
	if f.failNext > 0 {
		f.failNext--
		return transport.MessageRef{}, errors.New("flood wait")
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.calls)}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fastConfig() Config {
	return Config{
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func TestDeliverSendsTextAndButtons(t *testing.T) {
	t.Parallel()
	ad := &fakeSender{}
	s := New(fastConfig(), ad, logx.Nop())

	task := store.Task{
		ID:      "t1",
		Text:    "standup time",
		Buttons: []store.Button{{Label: "Join", URL: "https://example.com/call"}},
	}
	if err := s.Deliver(context.Background(), -100, task); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got := ad.callCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	call := ad.calls[0]
	if call.chatID != -100 || call.text != "standup time" {
		t.Fatalf("unexpected call %+v", call)
	}
	if len(call.opt.Buttons) != 1 || call.opt.Buttons[0].Label != "Join" {
		t.Fatalf("buttons not forwarded: %+v", call.opt)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &fakeSender{failNext: 2}
	s := New(fastConfig(), ad, logx.Nop())

	if err := s.Deliver(context.Background(), -100, store.Task{ID: "t1", Text: "x"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := ad.callCount(); got != 3 {
		t.Fatalf("calls = %d, want 3 (two failures then success)", got)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	t.Parallel()
	ad := &fakeSender{failNext: 10}
	s := New(fastConfig(), ad, logx.Nop())

	err := s.Deliver(context.Background(), -100, store.Task{ID: "t1", Text: "x"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := ad.callCount(); got != 3 {
		t.Fatalf("calls = %d, want 3 (initial + RetryMax)", got)
	}
}

func TestDeliverHonorsCancellation(t *testing.T) {
	t.Parallel()
	ad := &fakeSender{failNext: 10}
	cfg := fastConfig()
	cfg.RetryBase = time.Hour // retry sleep should be interrupted, not waited
	s := New(cfg, ad, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := s.Deliver(ctx, -100, store.Task{ID: "t1", Text: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()

	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v outside [0, %v]", attempt, d, cfg.RetryMaxDelay)
		}
	}
}

func TestNoButtonsMeansNilMarkup(t *testing.T) {
	t.Parallel()
	ad := &fakeSender{}
	s := New(fastConfig(), ad, logx.Nop())

	if err := s.Deliver(context.Background(), -1, store.Task{ID: "t", Text: "plain"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if ad.calls[0].opt.Buttons != nil {
		t.Fatalf("expected nil buttons, got %v", ad.calls[0].opt.Buttons)
	}
}
