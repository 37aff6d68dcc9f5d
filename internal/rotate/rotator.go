// Package rotate multiplexes provider calls across a pool of API credentials,
// each with its own requests-per-minute, tokens-per-minute and
// requests-per-day windows. Rotation state survives restarts through an
// append-only journal plus periodic snapshots.
package rotate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrNoCredentialAvailable is returned when every credential stayed
// inadmissible for the whole MaxWait period.
var ErrNoCredentialAvailable = errors.New("no credential available")

// Result describes the outcome of a leased call.
type Result int

const (
	ResultOK Result = iota
	ResultRateLimit
	ResultError
)

// Credential is one API key in the pool.
type Credential struct {
	Key  string
	Hint string // non-secret identifier used in logs and persisted state
}

// NewCredential builds a credential with a hint derived from the key tail.
func NewCredential(key string) Credential {
	hint := key
	if len(key) > 4 {
		hint = "..." + key[len(key)-4:]
	}
	return Credential{Key: key, Hint: hint}
}

// Limits are the provider-imposed per-credential ceilings. Zero disables a
// given window.
type Limits struct {
	RPM int
	TPM int
	RPD int
}

// Config controls rotator behaviour.
type Config struct {
	Limits  Limits
	MaxWait time.Duration
	// StrictSerialize allows at most one in-flight call per credential.
	StrictSerialize bool
	// StatePath is the rotation_state.json location; empty disables
	// persistence (tests).
	StatePath string

	// Cooldown tuning. Defaults: base 60s, doubling per repeat, cap 15m.
	CooldownBase time.Duration
	CooldownCap  time.Duration
}

// Lease grants permission to issue one provider call on a credential.
type Lease struct {
	ID       string
	Cred     Credential
	est      int
	idx      int
	tpmID    uint64
	acquired time.Time
	released bool
}

type credState struct {
	cred          Credential
	rpm           *window
	tpm           *window
	rpd           *window
	pacer         *rate.Limiter
	cooldownUntil time.Time
	cooldownCur   time.Duration
	failureStreak int
	inflight      int
}

// Rotator selects credentials round-robin among those whose windows admit
// the estimated cost.
type Rotator struct {
	mu    sync.Mutex
	cond  *sync.Cond
	creds []*credState
	next  int
	cfg   Config

	journal  *journal
	lastSnap time.Time

	now func() time.Time // injectable clock for tests
}

// New builds a rotator over the credential pool and replays any persisted
// state found at cfg.StatePath.
func New(creds []Credential, cfg Config) (*Rotator, error) {
	if len(creds) == 0 {
		return nil, errors.New("credential pool is empty")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 120 * time.Second
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 60 * time.Second
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = 15 * time.Minute
	}

	r := &Rotator{cfg: cfg, now: time.Now}
	r.cond = sync.NewCond(&r.mu)
	for _, c := range creds {
		cs := &credState{
			cred: c,
			rpm:  newWindow(time.Minute, cfg.Limits.RPM),
			tpm:  newWindow(time.Minute, cfg.Limits.TPM),
			rpd:  newWindow(24*time.Hour, cfg.Limits.RPD),
		}
		if cfg.Limits.RPM > 0 {
			// continuous refill alongside the hard window; full burst so
			// the pacer never binds tighter than the window itself
			cs.pacer = rate.NewLimiter(rate.Limit(float64(cfg.Limits.RPM)/60.0), cfg.Limits.RPM)
		}
		r.creds = append(r.creds, cs)
	}

	if cfg.StatePath != "" {
		j, err := openJournal(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("open rotation journal: %w", err)
		}
		r.journal = j
		if err := r.restore(); err != nil {
			return nil, fmt.Errorf("restore rotation state: %w", err)
		}
	}
	return r, nil
}

// Acquire blocks until some credential admits the estimated token cost, then
// reserves that cost and returns a lease. It fails with
// ErrNoCredentialAvailable after MaxWait.
func (r *Rotator) Acquire(ctx context.Context, estTokens int) (*Lease, error) {
	deadline := r.now().Add(r.cfg.MaxWait)
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := r.now()
		if lease := r.tryAcquireLocked(now, estTokens); lease != nil {
			return lease, nil
		}
		if !now.Before(deadline) {
			return nil, ErrNoCredentialAvailable
		}

		wakeAt := r.earliestEligibleLocked(now, estTokens)
		if wakeAt.After(deadline) {
			wakeAt = deadline
		}
		r.waitUntilLocked(ctx, wakeAt)
	}
}

// tryAcquireLocked scans round-robin for an admissible credential and
// reserves on it.
func (r *Rotator) tryAcquireLocked(now time.Time, est int) *Lease {
	n := len(r.creds)
	for i := 0; i < n; i++ {
		idx := (r.next + i) % n
		cs := r.creds[idx]
		if !r.eligibleLocked(cs, now, est) {
			continue
		}
		if cs.pacer != nil && !cs.pacer.Allow() {
			continue
		}
		cs.rpm.add(now, 1)
		tpmID := cs.tpm.add(now, est)
		cs.rpd.add(now, 1)
		cs.inflight++
		r.next = (idx + 1) % n
		return &Lease{
			ID:       uuid.NewString(),
			Cred:     cs.cred,
			est:      est,
			idx:      idx,
			tpmID:    tpmID,
			acquired: now,
		}
	}
	return nil
}

func (r *Rotator) eligibleLocked(cs *credState, now time.Time, est int) bool {
	if now.Before(cs.cooldownUntil) {
		return false
	}
	if r.cfg.StrictSerialize && cs.inflight > 0 {
		return false
	}
	return cs.rpm.admits(now, 1) && cs.tpm.admits(now, est) && cs.rpd.admits(now, 1)
}

// earliestEligibleLocked estimates when the soonest credential could admit
// the cost, for efficient sleeping.
func (r *Rotator) earliestEligibleLocked(now time.Time, est int) time.Time {
	earliest := now.Add(r.cfg.MaxWait)
	for _, cs := range r.creds {
		t := now
		if cs.cooldownUntil.After(t) {
			t = cs.cooldownUntil
		}
		for _, w := range []*window{cs.rpm, cs.rpd} {
			if nf := w.nextFree(now, 1); nf.After(t) {
				t = nf
			}
		}
		if nf := cs.tpm.nextFree(now, est); nf.After(t) {
			t = nf
		}
		if t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.Before(now.Add(50 * time.Millisecond)) {
		earliest = now.Add(50 * time.Millisecond)
	}
	return earliest
}

// waitUntilLocked releases the mutex until wakeAt, a broadcast, or ctx done.
func (r *Rotator) waitUntilLocked(ctx context.Context, wakeAt time.Time) {
	wake := func() {
		r.mu.Lock()
		//nolint:staticcheck // empty critical section orders the broadcast after Wait
		r.mu.Unlock()
		r.cond.Broadcast()
	}
	timer := time.AfterFunc(time.Until(wakeAt), wake)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, wake)
	defer stop()

	r.cond.Wait()
}

// Release settles a lease: counters are corrected to the actual token cost
// and the outcome drives cooldown and failure-streak bookkeeping.
func (r *Rotator) Release(lease *Lease, actualTokens int, result Result, retryAfter time.Duration) {
	if lease == nil || lease.released {
		return
	}
	r.mu.Lock()
	lease.released = true
	cs := r.creds[lease.idx]
	now := r.now()

	if cs.inflight > 0 {
		cs.inflight--
	}
	if actualTokens > lease.est {
		cs.tpm.add(lease.acquired, actualTokens-lease.est)
	} else if actualTokens >= 0 && actualTokens < lease.est {
		// shrink the reservation; never lets the window under-count
		cs.tpm.cancel(lease.tpmID)
		cs.tpm.add(lease.acquired, actualTokens)
	}

	switch result {
	case ResultOK:
		cs.failureStreak = 0
		cs.cooldownCur = 0
	case ResultRateLimit:
		cs.failureStreak++
		cd := r.cfg.CooldownBase
		if retryAfter > 0 && retryAfter < cd {
			cd = retryAfter
		}
		if cs.cooldownCur > 0 {
			cd = cs.cooldownCur * 2 // repeated offence doubles
		}
		if cd > r.cfg.CooldownCap {
			cd = r.cfg.CooldownCap
		}
		cs.cooldownCur = cd
		cs.cooldownUntil = now.Add(cd)
	case ResultError:
		cs.failureStreak++
	}

	j := r.journal
	var entry journalEntry
	if j != nil {
		entry = journalEntry{
			At:     now.UnixMilli(),
			Hint:   cs.cred.Hint,
			Tokens: actualTokens,
			Result: int(result),
		}
	}
	snapDue := j != nil && now.Sub(r.lastSnap) > time.Minute
	if snapDue {
		r.lastSnap = now
	}
	var snap persistedState
	if snapDue {
		snap = r.snapshotLocked(now)
	}
	r.mu.Unlock()
	r.cond.Broadcast()

	if j != nil {
		_ = j.append(entry)
		if snapDue {
			_ = j.writeSnapshot(snap)
		}
	}
}

// KeyStatus is the externally visible per-credential state.
type KeyStatus struct {
	Hint          string     `json:"hint"`
	RPMUsed       int        `json:"rpm_used"`
	TPMUsed       int        `json:"tpm_used"`
	RPDUsed       int        `json:"rpd_used"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	FailureStreak int        `json:"failure_streak"`
	InFlight      int        `json:"in_flight"`
}

// Status reports current window usage per credential.
func (r *Rotator) Status() []KeyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]KeyStatus, 0, len(r.creds))
	for _, cs := range r.creds {
		ks := KeyStatus{
			Hint:          cs.cred.Hint,
			RPMUsed:       cs.rpm.count(now),
			TPMUsed:       cs.tpm.count(now),
			RPDUsed:       cs.rpd.count(now),
			FailureStreak: cs.failureStreak,
			InFlight:      cs.inflight,
		}
		if cs.cooldownUntil.After(now) {
			t := cs.cooldownUntil
			ks.CooldownUntil = &t
		}
		out = append(out, ks)
	}
	return out
}

// Close flushes a final snapshot and closes the journal.
func (r *Rotator) Close() error {
	if r.journal == nil {
		return nil
	}
	r.mu.Lock()
	snap := r.snapshotLocked(r.now())
	r.mu.Unlock()
	if err := r.journal.writeSnapshot(snap); err != nil {
		return err
	}
	return r.journal.close()
}
