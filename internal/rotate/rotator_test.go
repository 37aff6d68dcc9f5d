package rotate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testPool(n int) []Credential {
	creds := make([]Credential, n)
	for i := range creds {
		creds[i] = NewCredential("sk-test-key-000" + string(rune('a'+i)))
	}
	return creds
}

func TestAcquire_RoundRobinDistribution(t *testing.T) {
	r, err := New(testPool(3), Config{
		Limits:  Limits{RPM: 2},
		MaxWait: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		lease, err := r.Acquire(context.Background(), 100)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		seen[lease.Cred.Hint]++
		r.Release(lease, 100, ResultOK, 0)
	}
	if len(seen) != 3 {
		t.Fatalf("expected calls across all 3 credentials, got %v", seen)
	}
	for hint, n := range seen {
		if n != 2 {
			t.Errorf("credential %s used %d times, want 2", hint, n)
		}
	}
}

func TestAcquire_RPMWindowNeverExceeded(t *testing.T) {
	r, err := New(testPool(1), Config{
		Limits:  Limits{RPM: 2},
		MaxWait: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease, err := r.Acquire(ctx, 10)
		if err != nil {
			t.Fatalf("acquire %d should be admitted: %v", i, err)
		}
		r.Release(lease, 10, ResultOK, 0)
	}
	// window is full for the next 60s; the bounded wait must give up
	_, err = r.Acquire(ctx, 10)
	if !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected ErrNoCredentialAvailable, got %v", err)
	}
	if got := r.Status()[0].RPMUsed; got != 2 {
		t.Errorf("rpm window holds %d, want 2", got)
	}
}

func TestAcquire_TPMWindow(t *testing.T) {
	r, err := New(testPool(1), Config{
		Limits:  Limits{TPM: 100},
		MaxWait: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	lease, err := r.Acquire(context.Background(), 60)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(lease, 60, ResultOK, 0)

	if _, err := r.Acquire(context.Background(), 60); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("60+60 tokens must not be admitted in one minute window, got %v", err)
	}
	if lease, err = r.Acquire(context.Background(), 40); err != nil {
		t.Fatalf("60+40 tokens should fit: %v", err)
	}
	r.Release(lease, 40, ResultOK, 0)
}

func TestRelease_ActualTokensCorrectWindow(t *testing.T) {
	r, err := New(testPool(1), Config{
		Limits:  Limits{TPM: 100},
		MaxWait: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	lease, err := r.Acquire(context.Background(), 90)
	if err != nil {
		t.Fatal(err)
	}
	// actual usage was much smaller; the reservation shrinks
	r.Release(lease, 20, ResultOK, 0)
	if got := r.Status()[0].TPMUsed; got != 20 {
		t.Errorf("tpm window holds %d after correction, want 20", got)
	}
	if _, err := r.Acquire(context.Background(), 80); err != nil {
		t.Fatalf("80 tokens should now be admitted: %v", err)
	}
}

func TestWindow_CancelSurvivesPrune(t *testing.T) {
	w := newWindow(time.Minute, 100)
	base := time.Now()
	id1 := w.add(base, 60)
	id2 := w.add(base.Add(61*time.Second), 60)

	// counting prunes the first event off the front of the slice
	if got := w.count(base.Add(61 * time.Second)); got != 60 {
		t.Fatalf("in-window total = %d, want 60", got)
	}
	// the aged-out id is a no-op; it must not hit the surviving event
	w.cancel(id1)
	if got := w.count(base.Add(61 * time.Second)); got != 60 {
		t.Errorf("total after cancelling aged-out event = %d, want 60", got)
	}
	w.cancel(id2)
	if got := w.count(base.Add(61 * time.Second)); got != 0 {
		t.Errorf("total after cancelling live event = %d, want 0", got)
	}
}

func TestRelease_ShrinkAfterPruneKeepsOtherReservations(t *testing.T) {
	r, err := New(testPool(1), Config{
		Limits:  Limits{TPM: 100},
		MaxWait: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	now := base
	r.now = func() time.Time { return now }

	lease1, err := r.Acquire(context.Background(), 60)
	if err != nil {
		t.Fatal(err)
	}
	// lease1's reservation ages out of the minute window while still held
	now = base.Add(61 * time.Second)
	lease2, err := r.Acquire(context.Background(), 60)
	if err != nil {
		t.Fatal(err)
	}

	// shrinking lease1 to zero must not erase lease2's live reservation
	r.Release(lease1, 0, ResultOK, 0)
	if got := r.Status()[0].TPMUsed; got != 60 {
		t.Errorf("tpm window holds %d after releasing the aged-out lease, want 60", got)
	}
	r.Release(lease2, 60, ResultOK, 0)
}

func TestRelease_RateLimitCooldown(t *testing.T) {
	r, err := New(testPool(1), Config{
		Limits:  Limits{RPM: 100},
		MaxWait: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	lease, err := r.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(lease, 10, ResultRateLimit, 0)

	st := r.Status()[0]
	if st.CooldownUntil == nil {
		t.Fatal("expected credential in cooldown after rate limit")
	}
	if st.FailureStreak != 1 {
		t.Errorf("failure streak = %d, want 1", st.FailureStreak)
	}
	if _, err := r.Acquire(context.Background(), 10); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("cooled-down pool must exhaust: %v", err)
	}
}

func TestRelease_RetryAfterShortensCooldown(t *testing.T) {
	r, err := New(testPool(1), Config{MaxWait: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	lease, _ := r.Acquire(context.Background(), 1)
	r.Release(lease, 1, ResultRateLimit, 2*time.Second)

	st := r.Status()[0]
	if st.CooldownUntil == nil {
		t.Fatal("expected cooldown")
	}
	if until := time.Until(*st.CooldownUntil); until > 3*time.Second {
		t.Errorf("cooldown %v should honour provider Retry-After of 2s", until)
	}
}

func TestRelease_RepeatedRateLimitDoublesCooldown(t *testing.T) {
	r, err := New(testPool(1), Config{
		MaxWait:      50 * time.Millisecond,
		CooldownBase: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	cs := r.creds[0]

	lease, _ := r.Acquire(context.Background(), 1)
	r.Release(lease, 1, ResultRateLimit, 0)
	first := cs.cooldownCur

	cs.cooldownUntil = time.Time{} // let the next acquire through
	lease, _ = r.Acquire(context.Background(), 1)
	r.Release(lease, 1, ResultRateLimit, 0)
	if cs.cooldownCur != first*2 {
		t.Errorf("second offence cooldown %v, want %v", cs.cooldownCur, first*2)
	}
}

func TestStrictSerialize(t *testing.T) {
	r, err := New(testPool(1), Config{
		MaxWait:         60 * time.Millisecond,
		StrictSerialize: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	lease, err := r.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire(context.Background(), 1); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("strict mode must serialise per credential, got %v", err)
	}
	r.Release(lease, 1, ResultOK, 0)
	lease2, err := r.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	r.Release(lease2, 1, ResultOK, 0)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	r, err := New(testPool(1), Config{
		Limits:  Limits{RPM: 1},
		MaxWait: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	lease, _ := r.Acquire(context.Background(), 1)
	defer r.Release(lease, 1, ResultOK, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestPersistence_SurvivesRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "rotation_state.json")
	cfg := Config{
		Limits:    Limits{RPM: 10, TPM: 1000, RPD: 100},
		MaxWait:   80 * time.Millisecond,
		StatePath: statePath,
	}

	r1, err := New(testPool(2), cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		lease, err := r1.Acquire(context.Background(), 50)
		if err != nil {
			t.Fatal(err)
		}
		r1.Release(lease, 50, ResultOK, 0)
	}
	if err := r1.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := New(testPool(2), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	total := 0
	for _, ks := range r2.Status() {
		total += ks.RPMUsed
	}
	if total != 4 {
		t.Errorf("restored rpm usage = %d, want 4", total)
	}
}

func TestEmptyPoolRejected(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for empty credential pool")
	}
}
