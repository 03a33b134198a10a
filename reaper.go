package session

import (
	"context"
	"fmt"

	"golang.org/x/exp/slog"
)

// sentinelSuffix is appended to the upper-bound timestamp prefix passed to
// Datastore.RangeDelete, so every sid whose leading expiration digits are
// less than or equal to that timestamp sorts below it. Mirrors the
// "now_str + u'�'" key upper bound used for the same purpose in
// original_source/gaesessions/__init__.py's _clean_up.
const sentinelSuffix = "�"

// DeleteExpired removes up to batch expired session records from the
// Manager's datastore tier, returning whether the sweep exhausted every
// expired record (i.e., fewer than batch were found,
// so a subsequent call starting from "now" would find nothing new). Callers
// wanting to fully drain expired records should loop until done is true.
//
// DeleteExpired is a no-op, returning (true, nil), if this Manager has no
// datastore configured.
func (m *Manager) DeleteExpired(ctx context.Context, batch int) (done bool, err error) {
	n, done, err := m.deleteExpiredBatch(ctx, batch)
	if err != nil {
		return false, err
	}
	slog.Debug("session: reaper swept expired records", "deleted", n, "batch", batch)
	return done, nil
}

// ReapExpired runs DeleteExpired in a loop, with batch-sized sweeps, until
// the datastore reports no more expired records remain (or ctx is canceled,
// or an error occurs). It returns the total number of records deleted.
func (m *Manager) ReapExpired(ctx context.Context, batch int) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, done, err := m.deleteExpiredBatch(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		if done {
			return total, nil
		}
	}
}

func (m *Manager) deleteExpiredBatch(ctx context.Context, batch int) (deleted int, done bool, err error) {
	if m.tier.Datastore == nil {
		return 0, true, nil
	}
	upperBound := fmt.Sprintf("%010d%s", m.now().Unix(), sentinelSuffix)
	n, err := m.tier.Datastore.RangeDelete(ctx, upperBound, batch)
	if err != nil {
		return 0, false, fmt.Errorf("session: reaper sweep failed: %w", err)
	}
	return n, n < batch, nil
}
