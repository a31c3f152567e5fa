// Package strikes tracks execution failures of promoted skills and
// auto-deprecates after reaching the configured limit (§4.9). The KV
// counter is authoritative for the threshold decision; the skill
// registry's metadata counter is authoritative for presentation only.
package strikes

import (
	"context"

	"github.com/kestrelrun/sentinel/internal/kvstore"
	"github.com/kestrelrun/sentinel/internal/skills"
)

// Tracker wires the KV strike counter to the skill registry's
// auto-deprecation path.
type Tracker struct {
	kv       *kvstore.Store
	registry *skills.Registry
	limit    int
}

// New constructs a Tracker that deprecates a promoted skill once its KV
// strike counter reaches limit.
func New(kv *kvstore.Store, registry *skills.Registry, limit int) *Tracker {
	return &Tracker{kv: kv, registry: registry, limit: limit}
}

// RecordFailure increments the skill's KV strike counter and, if it has
// reached the limit, deprecates the skill and resets the counter.
// Successes never decrement or reset the counter; only auto-deprecation
// resets it.
func (t *Tracker) RecordFailure(ctx context.Context, skillID string) error {
	count, err := t.kv.IncrStrike(ctx, skillID)
	if err != nil {
		return err
	}
	if _, err := t.registry.RecordStrikeAndMaybeDeprecate(skillID, int(count), t.limit); err != nil {
		return err
	}
	if int(count) >= t.limit {
		return t.kv.ResetStrike(ctx, skillID)
	}
	return nil
}
