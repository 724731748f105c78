package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// BanRecord is a time-bound hard denial. While present it dominates every
// other decision for the identifier.
type BanRecord struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Remaining returns the time left on the ban at now.
func (r *BanRecord) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// BanStore tracks time-bound bans in the shared counter store. Bans expire
// via TTL; recovery needs no manual step, though Unban exists for
// operators.
//
// Repeat offenders escalate: each ban within the rolling escalation window
// doubles the requested duration, capped at the configured maximum, to
// deter retry-and-wait abuse.
type BanStore struct {
	store CounterStore
	clock Clock
	cfg   *EngineConfig
}

// NewBanStore builds a ban store. clock may be nil.
func NewBanStore(store CounterStore, cfg *EngineConfig, clock Clock) *BanStore {
	if clock == nil {
		clock = &SystemClock{}
	}
	return &BanStore{store: store, clock: clock, cfg: cfg}
}

// IsBanned returns the active ban record for the identifier, or nil.
func (b *BanStore) IsBanned(ctx context.Context, id string) (*BanRecord, error) {
	val, found, err := b.store.Get(ctx, banKey(id))
	if err != nil {
		return nil, fmt.Errorf("ban lookup for %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	var rec BanRecord
	if uerr := json.Unmarshal([]byte(val), &rec); uerr != nil {
		// An unreadable record still represents a ban; synthesize the
		// expiry from the key TTL rather than dropping the denial.
		ttl, terr := b.store.TTL(ctx, banKey(id))
		if terr != nil {
			return nil, fmt.Errorf("ban TTL for %s: %w", id, terr)
		}
		now := b.clock.Now()
		return &BanRecord{Identifier: id, Reason: "unknown", CreatedAt: now, ExpiresAt: now.Add(ttl)}, nil
	}
	if !rec.ExpiresAt.After(b.clock.Now()) {
		return nil, nil
	}
	return &rec, nil
}

// Ban writes a ban record for the identifier. The effective duration is
// the requested one multiplied by the identifier's recent ban count
// (doubling per repeat inside the escalation window) and capped at the
// configured maximum. An already-banned identifier keeps its existing
// record; bans are never shortened by a later, milder violation.
func (b *BanStore) Ban(ctx context.Context, id, reason string, duration time.Duration) (*BanRecord, error) {
	if duration <= 0 {
		return nil, nil
	}

	repeats, err := b.store.IncrementWithTTL(ctx, banHistoryKey(id), b.cfg.BanEscalationWindow)
	if err != nil {
		return nil, fmt.Errorf("ban history for %s: %w", id, err)
	}
	effective := escalate(duration, repeats, b.cfg.BanMaxDuration)

	now := b.clock.Now()
	rec := BanRecord{
		Identifier: id,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(effective),
	}
	payload, _ := json.Marshal(rec)

	stored, err := b.store.SetIfAbsent(ctx, banKey(id), string(payload), effective)
	if err != nil {
		return nil, fmt.Errorf("ban write for %s: %w", id, err)
	}
	if !stored {
		existing, lerr := b.IsBanned(ctx, id)
		if lerr == nil && existing != nil {
			return existing, nil
		}
		return &rec, nil
	}

	slog.Warn("identifier banned",
		slog.String("identifier", id),
		slog.String("reason", reason),
		slog.Int64("repeat", repeats),
		slog.Duration("duration", effective),
	)
	return &rec, nil
}

// Unban removes the identifier's ban record. The escalation history is
// kept so an operator reset does not also forgive repeat offenses.
func (b *BanStore) Unban(ctx context.Context, id string) error {
	if err := b.store.Delete(ctx, banKey(id)); err != nil {
		return fmt.Errorf("unban %s: %w", id, err)
	}
	return nil
}

// escalate doubles the base duration per prior ban inside the escalation
// window: first ban runs at base, the n-th at base*2^(n-1), capped.
func escalate(base time.Duration, banCount int64, cap time.Duration) time.Duration {
	d := base
	for i := int64(1); i < banCount; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}
