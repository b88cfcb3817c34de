package breaker

import (
	"testing"
	"time"
)

func TestBreaker_InitialState(t *testing.T) {
	b := New(Config{})
	key := Key("cred-1", "gpt-4o")

	if b.State(key) != StateClosed {
		t.Errorf("route should start closed, got %v", b.State(key))
	}
	if b.StateLabel(key) != "closed" {
		t.Errorf("label should be 'closed', got %s", b.StateLabel(key))
	}
	if !b.Allow(key) {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{})
	key := Key("cred-1", "gpt-4o")

	for i := 0; i < defaultFailureThreshold-1; i++ {
		b.RecordFailure(key)
		if b.State(key) != StateClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	// One more failure should trip it.
	b.RecordFailure(key)
	if b.State(key) != StateOpen {
		t.Error("should be open after reaching threshold")
	}
	if b.StateLabel(key) != "open" {
		t.Errorf("label should be 'open', got %s", b.StateLabel(key))
	}
}

func TestBreaker_OpenRejectsRequests(t *testing.T) {
	b := New(Config{})
	key := Key("cred-1", "gpt-4o")

	for i := 0; i < defaultFailureThreshold; i++ {
		b.RecordFailure(key)
	}

	if b.Allow(key) {
		t.Error("open breaker should reject requests")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(Config{})
	key := Key("cred-1", "gpt-4o")

	// Accumulate some failures (but not enough to trip).
	for i := 0; i < defaultFailureThreshold-1; i++ {
		b.RecordFailure(key)
	}

	b.RecordSuccess(key)

	if b.State(key) != StateClosed {
		t.Error("success should reset to closed")
	}

	// Should need full threshold again.
	for i := 0; i < defaultFailureThreshold-1; i++ {
		b.RecordFailure(key)
	}
	if b.State(key) != StateClosed {
		t.Error("should still be closed before new threshold")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Cooldown: 50 * time.Millisecond})
	key := Key("cred-1", "gpt-4o")

	b.RecordFailure(key)
	b.RecordFailure(key)
	if b.State(key) != StateOpen {
		t.Fatal("expected open")
	}
	if b.Allow(key) {
		t.Fatal("open breaker should reject before cooldown")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow(key) {
		t.Error("breaker should allow a probe after cooldown")
	}
	if b.State(key) != StateHalfOpen {
		t.Errorf("expected half_open, got %s", b.StateLabel(key))
	}
	// Only one probe at a time.
	if b.Allow(key) {
		t.Error("second request during probe should be rejected")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Cooldown: 10 * time.Millisecond})
	key := Key("cred-1", "gpt-4o")

	b.RecordFailure(key)
	b.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow(key) {
		t.Fatal("probe should be allowed")
	}
	b.RecordSuccess(key)

	if b.State(key) != StateClosed {
		t.Error("successful probe should close the breaker")
	}
	if !b.Allow(key) {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Cooldown: 10 * time.Millisecond})
	key := Key("cred-1", "gpt-4o")

	b.RecordFailure(key)
	b.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow(key) {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure(key)

	if b.State(key) != StateOpen {
		t.Error("failed probe should reopen the breaker")
	}
	if b.Allow(key) {
		t.Error("reopened breaker should reject until the next cooldown")
	}
}

func TestBreaker_CancelProbeReleasesSlot(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Cooldown: 10 * time.Millisecond})
	key := Key("cred-1", "gpt-4o")

	b.RecordFailure(key)
	b.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow(key) {
		t.Fatal("probe should be allowed")
	}
	if b.Allow(key) {
		t.Fatal("probe slot should be exclusive")
	}

	// The admitted attempt died before reaching the upstream; returning the
	// slot lets the next request probe instead of wedging half-open forever.
	b.CancelProbe(key)
	if b.State(key) != StateHalfOpen {
		t.Errorf("cancel should keep the breaker half-open, got %s", b.StateLabel(key))
	}
	if !b.Allow(key) {
		t.Error("released probe slot should admit the next request")
	}

	// Outside half-open the call is a no-op.
	b.RecordSuccess(key)
	b.CancelProbe(key)
	if b.State(key) != StateClosed {
		t.Errorf("cancel changed a closed breaker to %s", b.StateLabel(key))
	}
}

func TestBreaker_RoutesAreIndependent(t *testing.T) {
	b := New(Config{FailureThreshold: 2})
	bad := Key("cred-1", "gpt-4o")
	good := Key("cred-1", "gpt-4o-mini")

	b.RecordFailure(bad)
	b.RecordFailure(bad)

	if b.State(bad) != StateOpen {
		t.Fatal("expected bad route open")
	}
	if b.State(good) != StateClosed {
		t.Error("sibling route should be unaffected")
	}
	if !b.Allow(good) {
		t.Error("sibling route should still allow requests")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{})
	key := Key("cred-1", "gpt-4o")

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				b.Allow(key)
				b.RecordFailure(key)
				b.RecordSuccess(key)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
