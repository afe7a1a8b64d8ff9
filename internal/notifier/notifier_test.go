package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "likebot/internal/transport"
	logx "likebot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	fail int // fail this many sends before succeeding
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return kit.MessageRef{}, errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{MessageID: 1}, nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, ad, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	err := s.Notify(context.Background(), kit.Notification{
		Priority: 7,
		Target:   kit.ChatTarget{ChatID: 1},
		Text:     "task paused",
	})
	if err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	waitFor(t, func() bool { return len(ad.sentTexts()) == 1 })
	if got := ad.sentTexts()[0]; got != "⚠️ task paused" {
		t.Fatalf("sent = %q", got)
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: 2}
	s := New(Config{
		Enabled: true, Workers: 1, RatePerSec: 1000,
		RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	}, ad, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "hi"}); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	waitFor(t, func() bool { return len(ad.sentTexts()) == 1 })
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{Enabled: false}, ad, logx.Nop())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify on disabled = %v, want ErrDisabled", err)
	}

	s2 := New(Config{Enabled: true, Workers: 1}, ad, logx.Nop())
	// Never started: intake is closed.
	if err := s2.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before start = %v, want ErrStopped", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, ad, logx.Nop())
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "n"}); err != nil {
			t.Fatalf("Notify error: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := len(ad.sentTexts()); got != 5 {
		t.Fatalf("delivered = %d, want 5", got)
	}
	if err := s.Notify(context.Background(), kit.Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after stop = %v, want ErrStopped", err)
	}
}

func TestPriorityPrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		priority int
		prefix   string
	}{
		{priority: 10, prefix: "🚨 "},
		{priority: 7, prefix: "⚠️ "},
		{priority: 5, prefix: "ℹ️ "},
		{priority: 0, prefix: ""},
	}
	for _, tt := range tests {
		if got := prefixForPriority(tt.priority); got != tt.prefix {
			t.Fatalf("prefixForPriority(%d) = %q, want %q", tt.priority, got, tt.prefix)
		}
	}
}
