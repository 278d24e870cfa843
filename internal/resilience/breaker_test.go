package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

func TestBreakerInitialState(t *testing.T) {
	b := New("analysis", DefaultConfig())
	if b.State() != Closed {
		t.Errorf("initial state = %v, want Closed", b.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("analysis", Config{Threshold: 3, ResetTimeout: time.Hour, HalfOpenSuccesses: 2})
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	if b.State() != Open {
		t.Errorf("state = %v, want Open", b.State())
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	b := New("analysis", Config{Threshold: 1, ResetTimeout: time.Hour, HalfOpenSuccesses: 1})
	b.Failure()

	err := b.Allow()
	if err != ErrOpen {
		t.Errorf("Allow() = %v, want ErrOpen", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("an open breaker should read as a transient outage")
	}
}

func TestBreakerRecovery(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failAfter bool
		want      State
	}{
		{"closes after successes", 2, false, Closed},
		{"stays half-open below quota", 1, false, HalfOpen},
		{"reopens on half-open failure", 0, true, Open},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("analysis", Config{Threshold: 1, ResetTimeout: time.Millisecond, HalfOpenSuccesses: 2})
			b.Failure()
			time.Sleep(5 * time.Millisecond)

			if err := b.Allow(); err != nil {
				t.Fatalf("Allow() after reset timeout = %v, want nil", err)
			}
			if b.State() != HalfOpen {
				t.Fatalf("state = %v, want HalfOpen", b.State())
			}
			for i := 0; i < tt.successes; i++ {
				b.Success()
			}
			if tt.failAfter {
				b.Failure()
			}
			if b.State() != tt.want {
				t.Errorf("state = %v, want %v", b.State(), tt.want)
			}
		})
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b := New("analysis", Config{Threshold: 3, ResetTimeout: time.Hour, HalfOpenSuccesses: 1})
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	if b.State() != Closed {
		t.Errorf("state = %v, want Closed", b.State())
	}
}

func TestCall(t *testing.T) {
	b := New("analysis", Config{Threshold: 1, ResetTimeout: time.Hour, HalfOpenSuccesses: 1})

	got, err := Call(b, nil, func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("Call() = (%d, %v), want (42, nil)", got, err)
	}

	// Errors the filter rejects leave the breaker closed.
	badInput := errors.New("bad segment")
	notCounted := func(err error) bool { return !errors.Is(err, badInput) }
	if _, err := Call(b, notCounted, func() (int, error) { return 0, badInput }); err != badInput {
		t.Fatalf("Call() error = %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}

	if _, err := Call(b, notCounted, func() (int, error) { return 0, errors.New("down") }); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Call(b, nil, func() (int, error) { t.Error("fn ran while open"); return 0, nil }); err != ErrOpen {
		t.Errorf("Call() while open = %v, want ErrOpen", err)
	}
}

func TestBreakerConcurrentSafety(t *testing.T) {
	b := New("analysis", Config{Threshold: 100, ResetTimeout: time.Second, HalfOpenSuccesses: 10})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Allow()
			if i%2 == 0 {
				b.Success()
			} else {
				b.Failure()
			}
		}()
	}
	wg.Wait()
	_ = b.State()
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Threshold != DefaultThreshold || cfg.ResetTimeout != DefaultResetTimeout || cfg.HalfOpenSuccesses != DefaultHalfOpenSuccesses {
		t.Errorf("withDefaults() = %+v", cfg)
	}
}
