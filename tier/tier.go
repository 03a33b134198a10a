// Package tier implements the unified read/write policy across the cookie,
// cache, and datastore storage tiers (spec §4.4, StorageTier).
package tier

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/slog"
)

// ErrMiss indicates the cache has no entry for the given sid.
var ErrMiss = errors.New("tier: cache miss")

// ErrNotFound indicates the datastore has no record for the given sid.
var ErrNotFound = errors.New("tier: record not found")

// Cache is the external cache service contract (spec §6): a shared,
// namespaced, TTL-based key/value store.
type Cache interface {
	Get(ctx context.Context, sid string) ([]byte, error) // ErrMiss on miss
	Set(ctx context.Context, sid string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, sid string) error
	Flush(ctx context.Context) error
}

// Datastore is the external durable key-value service contract (spec §6).
type Datastore interface {
	Get(ctx context.Context, sid string) ([]byte, error) // ErrNotFound on miss
	Put(ctx context.Context, sid string, payload []byte) error
	Delete(ctx context.Context, sid string) error
	// RangeDelete deletes up to batch records whose key is lexicographically
	// less than upperBound, returning the number deleted.
	RangeDelete(ctx context.Context, upperBound string, batch int) (int, error)
}

// LoadStatus reports the outcome of Load.
type LoadStatus int

const (
	// StatusFound indicates the payload was recovered from cache or datastore.
	StatusFound LoadStatus = iota
	// StatusLost indicates neither tier had a record. The caller should
	// terminate the session without clearing any cookies already sent,
	// since the cookie itself may still carry the payload.
	StatusLost
)

// StorePolicy carries the decision inputs Store needs.
type StorePolicy struct {
	// CookieOnlyThreshold is the byte threshold (spec §3): payload fits in
	// the cookie when EncodedLen*4/3 <= CookieOnlyThreshold.
	CookieOnlyThreshold int
	// PersistAnyway corresponds to persist_even_if_using_cookie: write to
	// cache/datastore even when the payload also fits in the cookie.
	PersistAnyway bool
	// NoDatastore disables all datastore writes.
	NoDatastore bool
	// MemOnly corresponds to dirty-memonly: skip the datastore write for
	// this flush only.
	MemOnly bool
	// HadCookiePayload indicates a prior request placed the payload in the
	// cookie; if this flush moves it to a backend tier, the cookie fragments
	// must be expired.
	HadCookiePayload bool
}

// UsesCookie reports whether a payload of the given encoded length fits
// within policy's cookie-only threshold.
func UsesCookie(encodedLen int, policy StorePolicy) bool {
	return encodedLen*4/3 <= policy.CookieOnlyThreshold
}

// StoreResult reports what Store decided and did.
type StoreResult struct {
	// UseCookie is true when the payload was placed in pending_cookie_payload
	// instead of (or in addition to, if PersistAnyway) cache/datastore.
	UseCookie bool
	// ExpireCookie is true when a payload that previously lived only in the
	// cookie now lives in a backend tier, so stale cookie fragments from a
	// prior response must be expired.
	ExpireCookie bool
}

// StorageTier coordinates reads and writes across the cache and datastore
// tiers.
type StorageTier struct {
	Cache     Cache
	Datastore Datastore
}

// New returns a StorageTier. datastore may be nil if no_datastore is always
// set for every session using this tier.
func New(cache Cache, datastore Datastore) *StorageTier {
	return &StorageTier{Cache: cache, Datastore: datastore}
}

// Load fetches a session payload for sid, trying the cache first and
// falling back to the datastore. Backend errors are logged and treated as a
// miss; they are never returned to the caller (spec §4.4, §7
// BackendUnavailable).
func (t *StorageTier) Load(ctx context.Context, sidVal string, noDatastore bool) ([]byte, LoadStatus) {
	if t.Cache != nil {
		payload, err := t.Cache.Get(ctx, sidVal)
		switch {
		case err == nil:
			return payload, StatusFound
		case errors.Is(err, ErrMiss):
			// fall through to datastore
		default:
			slog.Error("tier: cache get failed", "sid", sidVal, "error", err)
		}
	}
	if noDatastore || t.Datastore == nil {
		return nil, StatusLost
	}
	payload, err := t.Datastore.Get(ctx, sidVal)
	switch {
	case err == nil:
		return payload, StatusFound
	case errors.Is(err, ErrNotFound):
		return nil, StatusLost
	default:
		slog.Error("tier: datastore get failed", "sid", sidVal, "error", err)
		return nil, StatusLost
	}
}

// Store writes payload for sid according to policy, splitting between the
// cookie and the backend tiers as spec §4.4 describes.
func (t *StorageTier) Store(ctx context.Context, sidVal string, payload []byte, ttl time.Duration, policy StorePolicy) StoreResult {
	useCookie := UsesCookie(len(payload), policy)
	if useCookie && !policy.PersistAnyway {
		return StoreResult{UseCookie: true}
	}

	result := StoreResult{UseCookie: useCookie, ExpireCookie: policy.HadCookiePayload && !useCookie}

	var cacheErr error
	if t.Cache != nil {
		cacheErr = t.Cache.Set(ctx, sidVal, payload, ttl)
		if cacheErr != nil {
			slog.Error("tier: cache set failed", "sid", sidVal, "error", cacheErr)
		}
	}

	if !policy.NoDatastore && !policy.MemOnly && t.Datastore != nil {
		if err := t.Datastore.Put(ctx, sidVal, payload); err != nil {
			slog.Error("tier: datastore put failed", "sid", sidVal, "error", err)
			// spec §4.4: if the datastore write fails, retry the cache write once.
			if t.Cache != nil {
				if err := t.Cache.Set(ctx, sidVal, payload, ttl); err != nil {
					slog.Error("tier: cache set retry failed", "sid", sidVal, "error", err)
				}
			}
		}
	}

	return result
}

// Delete removes sid's record from both tiers. Datastore failures are
// swallowed; the reaper will eventually catch the stale record.
func (t *StorageTier) Delete(ctx context.Context, sidVal string) {
	if t.Cache != nil {
		if err := t.Cache.Delete(ctx, sidVal); err != nil {
			slog.Debug("tier: cache delete failed", "sid", sidVal, "error", err)
		}
	}
	if t.Datastore != nil {
		if err := t.Datastore.Delete(ctx, sidVal); err != nil {
			slog.Debug("tier: datastore delete failed", "sid", sidVal, "error", err)
		}
	}
}
