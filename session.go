// Package session implements a signed, tiered session store for HTTP
// request/response pipelines.
//
// A Session is a small mapping of per-request keys to arbitrary values,
// bound to the client by a browser cookie. Session state is split across
// three storage tiers — the cookie itself, a shared cache, and a durable
// datastore — chosen per request based on payload size and configuration.
// The cookie is always tamper-evident via a keyed MAC (internal/signer).
//
// Grounded throughout on the teacher (swfrench-simple-session/session.go)
// for overall shape — Manager/Options/Manage middleware, context-carried
// current session, slog logging — generalized from its fixed single-cookie,
// generic-typed Data payload to the spec's dictionary-like, tiered session
// with cookie partitioning. Lifecycle semantics (start/terminate/regenerate,
// the dirty tri-state, lazy load) are grounded on
// original_source/gaesessions/__init__.py.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"github.com/sessionforge/sessionforge/internal/sid"
	"github.com/sessionforge/sessionforge/internal/signer"
	"github.com/sessionforge/sessionforge/tier"
)

// dirtyState models the session's three-valued write state (spec §3, §4.5).
type dirtyState int

const (
	// dirtyClean means no mutator has run since the last flush.
	dirtyClean dirtyState = iota
	// dirtyMemOnly means only set_quick/pop_quick mutators have run: the
	// next flush should skip the datastore write.
	dirtyMemOnly
	// dirtyFull means a regular mutator has run: the next flush must write
	// through to every configured tier.
	dirtyFull
)

const (
	macLen = signer.Len
	sidLen = sid.Length
)

// Session is a per-request façade over a user's session data. A Session
// instance is owned by exactly one request; it must not be shared across
// goroutines handling different requests.
type Session struct {
	mgr *Manager
	ctx context.Context

	sidVal     string // "" means no active session
	secureOnly bool
	data       map[string]any // nil means "not yet loaded from backend"
	dirty      dirtyState
	accessed   bool

	// cookieKeys holds the cookie fragment names observed on the incoming
	// request, so EmitCookieHeaders knows what to expire.
	cookieKeys []string
	// incomingSig and incomingPayloadB64 are the SIG and (possibly empty)
	// B64(PAYLOAD) segments parsed from the incoming cookie. They are
	// retained so MAC verification can happen lazily, once the payload has
	// been resolved (either from the cookie directly, or from a backend
	// tier, per spec §4.2/§4.5).
	incomingSig        string
	incomingPayloadB64 string
	hadCookiePayload   bool // true if incomingPayloadB64 was non-empty

	// pendingCookiePayload mirrors spec §3's tri-state: nil means no cookie
	// change, a pointer to "" means expire existing fragments, a pointer to
	// a non-empty string means emit new fragments carrying that value.
	pendingCookiePayload *string

	// clientIP is used only for SignatureMismatch logging (spec §7).
	clientIP string

	// lastErr records the recovered error, if any, that ended this session
	// during ensureLoaded (currently only ErrSessionLost). Recovered locally
	// per spec §7; surfaced to callers via Err so they can distinguish
	// "no session" from "session lost".
	lastErr error

	// config snapshot, fixed for the lifetime of this Session instance.
	lifetime            time.Duration
	noDatastore         bool
	cookieOnlyThreshold int
}

// Err returns the error, if any, that caused this session to end itself
// during loading (e.g. ErrSessionLost when a valid-signed sid's backend
// record was gone). It is nil for a session that was never started, was
// terminated normally, or loaded successfully.
func (s *Session) Err() error {
	return s.lastErr
}

// IsActive reports whether this session has an assigned, non-terminated sid.
func (s *Session) IsActive() bool {
	return s.sidVal != ""
}

// IsSecureOnly reports whether this session's sid carries the secure-only
// marker.
func (s *Session) IsSecureOnly() bool {
	return s.secureOnly
}

// Expiration returns the Unix-seconds timestamp at which this session will
// expire, or 0 if there is no active session.
func (s *Session) Expiration() int64 {
	if s.sidVal == "" {
		return 0
	}
	return sid.Expiration(s.sidVal)
}

// SID returns the raw session identifier, or "" if no session is active.
// Exposed for logging and diagnostics; application code should not persist
// or transmit it outside the cookie mechanism.
func (s *Session) SID() string {
	return s.sidVal
}

func (s *Session) ensureLoaded() {
	if s.data != nil {
		return
	}
	s.accessed = true
	if s.sidVal == "" {
		s.data = map[string]any{}
		return
	}
	if s.mgr.now().Unix() > sid.Expiration(s.sidVal) {
		slog.Debug("session: sid expired on load", "sid", s.sidVal)
		s.sidVal = ""
		s.data = nil
		s.dirty = dirtyClean
		return
	}

	var payload []byte
	if s.incomingPayloadB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(s.incomingPayloadB64)
		if err != nil {
			slog.Warn("session: failed to decode cookie payload", "sid", s.sidVal, "error", err)
			s.terminateInvalid()
			return
		}
		if !s.mgr.signer.Verify(s.sidVal, raw, s.incomingSig) {
			slog.Warn("session: MAC verification failed", "sid", s.sidVal, "client_ip", s.clientIP)
			s.terminateInvalid()
			return
		}
		payload = raw
	} else {
		p, status := s.mgr.tier.Load(s.ctx, s.sidVal, s.noDatastore)
		if status == tier.StatusLost {
			slog.Info("session: backend record lost", "sid", s.sidVal, "error", ErrSessionLost)
			s.terminateLost()
			return
		}
		if !s.mgr.signer.Verify(s.sidVal, p, s.incomingSig) {
			slog.Warn("session: MAC verification failed", "sid", s.sidVal, "client_ip", s.clientIP)
			s.terminateInvalid()
			return
		}
		payload = p
	}

	data, err := s.mgr.codec.Decode(payload)
	if err != nil {
		slog.Warn("session: corrupt payload, starting fresh", "sid", s.sidVal, "error", err)
		data = map[string]any{}
	}
	s.data = data
}

// terminateLost ends the session without touching the client's cookie: the
// backend record is gone but the cookie (which may still carry the full
// payload, or may simply be stale) is left for the client to keep sending;
// the next request will simply rebuild a fresh session (spec §4.4, §7
// SessionLost).
func (s *Session) terminateLost() {
	s.sidVal = ""
	s.data = nil
	s.dirty = dirtyClean
	s.lastErr = ErrSessionLost
}

// terminateInvalid ends the session and, if the request carried cookie
// fragments, schedules them to be expired in the response. This resolves
// the open question in spec §9/DESIGN.md: on SignatureMismatch or corrupt
// cookie framing, the client's broken cookie is actively cleared rather than
// replayed forever.
func (s *Session) terminateInvalid() {
	s.sidVal = ""
	s.data = nil
	s.dirty = dirtyClean
	if len(s.cookieKeys) > 0 {
		empty := ""
		s.pendingCookiePayload = &empty
	}
}

type startOptions struct {
	expireAt   time.Time
	secureOnly bool
}

// StartOption configures Start/RegenerateID.
type StartOption func(*startOptions)

// WithExpiration overrides the session's expiration time.
func WithExpiration(t time.Time) StartOption {
	return func(o *startOptions) { o.expireAt = t }
}

// WithSecureOnly marks the session as secure-only (the cookie will carry
// the Secure attribute and the sid embeds the secure marker).
func WithSecureOnly(secure bool) StartOption {
	return func(o *startOptions) { o.secureOnly = secure }
}

// Start allocates a fresh sid and an empty data mapping, marking the
// session dirty. It is not normally called directly: it runs implicitly the
// first time a value is set on a sessionless instance.
func (s *Session) Start(opts ...StartOption) error {
	o := startOptions{expireAt: s.mgr.now().Add(s.lifetime)}
	for _, opt := range opts {
		opt(&o)
	}
	newSid, err := sid.Make(o.expireAt.Unix(), o.secureOnly)
	if err != nil {
		return fmt.Errorf("session: failed to start session: %w", err)
	}
	s.sidVal = newSid
	s.secureOnly = o.secureOnly
	s.data = map[string]any{}
	s.dirty = dirtyFull
	s.lastErr = nil
	return nil
}

// Terminate deletes the session's backend record (unless clearData is
// false) and clears the client's cookie if any cookie fragments were
// present on the incoming request.
func (s *Session) Terminate(clearData bool) {
	if clearData && s.sidVal != "" {
		s.mgr.tier.Delete(s.ctx, s.sidVal)
	}
	hadIncoming := len(s.cookieKeys) > 0
	s.sidVal = ""
	s.data = nil
	s.dirty = dirtyClean
	if hadIncoming {
		empty := ""
		s.pendingCookiePayload = &empty
	}
}

// RegenerateID mints a new sid for this session (preserving its data),
// deletes the old backend record, and marks the session dirty so the data
// is written under the new sid at flush time. Used defensively on
// privilege change, to prevent session fixation.
func (s *Session) RegenerateID(opts ...StartOption) error {
	if s.sidVal == "" {
		return nil
	}
	s.ensureLoaded()
	o := startOptions{expireAt: time.Unix(sid.Expiration(s.sidVal), 0), secureOnly: s.secureOnly}
	for _, opt := range opts {
		opt(&o)
	}
	newSid, err := sid.Make(o.expireAt.Unix(), o.secureOnly)
	if err != nil {
		return fmt.Errorf("session: failed to regenerate session id: %w", err)
	}
	oldSid := s.sidVal
	s.mgr.tier.Delete(s.ctx, oldSid)
	s.sidVal = newSid
	s.secureOnly = o.secureOnly
	s.dirty = dirtyFull
	return nil
}

// Flush persists the session if it is dirty. It is a no-op if the session
// is inactive or clean, which makes repeated flushes within a request
// idempotent (spec §8). persistAnyway forces cache/datastore writes even
// when the payload would otherwise fit entirely in the cookie.
func (s *Session) Flush(persistAnyway bool) {
	if s.sidVal == "" || s.dirty == dirtyClean {
		return
	}
	payload, err := s.mgr.codec.Encode(s.data)
	if err != nil {
		slog.Error("session: failed to encode session data", "sid", s.sidVal, "error", err)
		return
	}

	expireTS := sid.Expiration(s.sidVal)
	ttl := time.Until(time.Unix(expireTS, 0))
	if ttl < 0 {
		ttl = 0
	}
	policy := tier.StorePolicy{
		CookieOnlyThreshold: s.cookieOnlyThreshold,
		PersistAnyway:       persistAnyway,
		NoDatastore:         s.noDatastore,
		MemOnly:             s.dirty == dirtyMemOnly,
		HadCookiePayload:    s.hadCookiePayload,
	}
	result := s.mgr.tier.Store(s.ctx, s.sidVal, payload, ttl, policy)

	switch {
	case result.UseCookie:
		sig := s.mgr.signer.Sign(s.sidVal, payload)
		v := sig + s.sidVal + base64.StdEncoding.EncodeToString(payload)
		s.pendingCookiePayload = &v
		s.hadCookiePayload = true
	case result.ExpireCookie:
		// The payload moved from the cookie to the backend tiers: the cookie
		// now carries only SIG+SID, and EmitCookieHeaders expires the
		// fragment names the shorter value no longer uses.
		sig := s.mgr.signer.Sign(s.sidVal, payload)
		v := sig + s.sidVal
		s.pendingCookiePayload = &v
		s.hadCookiePayload = false
	default:
		sig := s.mgr.signer.Sign(s.sidVal, payload)
		v := sig + s.sidVal
		s.pendingCookiePayload = &v
		s.hadCookiePayload = false
	}
	s.dirty = dirtyClean
}

// EmitCookieHeaders renders the Set-Cookie lines for this session's
// response, per spec §4.5/§6.
func (s *Session) EmitCookieHeaders() []string {
	if s.pendingCookiePayload == nil {
		return nil
	}
	val := *s.pendingCookiePayload
	if val == "" {
		lines := make([]string, 0, len(s.cookieKeys))
		for _, name := range s.cookieKeys {
			lines = append(lines, expiringCookieLine(name))
		}
		return lines
	}

	maxLen := s.mgr.maxDataPerCookie(s.secureOnly)
	fragments := buildFragments(val, s.mgr.opts.CookiePrefix, maxLen)
	expires := time.Unix(sid.Expiration(s.sidVal), 0)

	lines := make([]string, 0, len(fragments)+len(s.cookieKeys))
	seen := make(map[string]bool, len(fragments))
	for _, f := range fragments {
		lines = append(lines, formatSetCookie(f.Name, f.Value, expires, s.secureOnly))
		seen[f.Name] = true
	}
	for _, name := range s.cookieKeys {
		if !seen[name] {
			lines = append(lines, expiringCookieLine(name))
		}
	}
	return lines
}

// --- Mapping operations ---

// Get returns the value for key, or (nil, false) if it is not present.
func (s *Session) Get(key string) (any, bool) {
	s.ensureLoaded()
	v, ok := s.data[key]
	return v, ok
}

// GetOr returns the value for key, or def if it is not present.
func (s *Session) GetOr(key string, def any) any {
	s.ensureLoaded()
	if v, ok := s.data[key]; ok {
		return v
	}
	return def
}

// MustGet returns the value for key, or ErrKeyMissing if it is not present
// (the Go analogue of the source's dict-style __getitem__, which raises
// KeyError).
func (s *Session) MustGet(key string) (any, error) {
	s.ensureLoaded()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("session: key %q: %w", key, ErrKeyMissing)
	}
	return v, nil
}

// Has reports whether key is present.
func (s *Session) Has(key string) bool {
	s.ensureLoaded()
	_, ok := s.data[key]
	return ok
}

// Keys returns the session's current key set.
func (s *Session) Keys() []string {
	s.ensureLoaded()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

func (s *Session) startIfNeeded() {
	if s.sidVal == "" {
		if err := s.Start(); err != nil {
			slog.Error("session: implicit start failed", "error", err)
		}
	}
}

// Set stores value under key, starting a new session if none is active yet.
// This is a full mutator: it marks the session fully dirty, escalating past
// any prior dirty-memonly state from set_quick/pop_quick.
func (s *Session) Set(key string, value any) {
	s.ensureLoaded()
	s.startIfNeeded()
	s.data[key] = value
	s.dirty = dirtyFull
}

// SetQuick stores value under key, marking the session dirty-memonly: the
// change is persisted to cache on the next flush but the datastore write is
// skipped, unless a non-quick mutator also runs before that flush.
func (s *Session) SetQuick(key string, value any) {
	s.ensureLoaded()
	s.startIfNeeded()
	s.data[key] = value
	if s.dirty == dirtyClean {
		s.dirty = dirtyMemOnly
	}
}

// Delete removes key from the session.
func (s *Session) Delete(key string) {
	s.ensureLoaded()
	delete(s.data, key)
	s.dirty = dirtyFull
}

// Pop removes key and returns its prior value, if any.
func (s *Session) Pop(key string) (any, bool) {
	s.ensureLoaded()
	v, ok := s.data[key]
	delete(s.data, key)
	s.dirty = dirtyFull
	return v, ok
}

// PopQuick is Pop's dirty-memonly counterpart, mirroring SetQuick.
func (s *Session) PopQuick(key string) (any, bool) {
	s.ensureLoaded()
	v, ok := s.data[key]
	delete(s.data, key)
	if s.dirty == dirtyClean {
		s.dirty = dirtyMemOnly
	}
	return v, ok
}

// Clear removes all data from the session without terminating it. It is a
// no-op on a sessionless instance.
func (s *Session) Clear() {
	if s.sidVal == "" {
		return
	}
	s.data = map[string]any{}
	s.dirty = dirtyFull
}

// LogValue implements slog.LogValuer, rendering a safe summary of the
// session (sid, key count, and whether it was accessed) so structured logs
// never leak session contents. The original Python __str__ prints the full data dict; this is
// an intentional, documented improvement (see SPEC_FULL.md).
func (s *Session) LogValue() slog.Value {
	if s.sidVal == "" {
		return slog.StringValue("uninitialized session")
	}
	n := -1
	if s.data != nil {
		n = len(s.data)
	}
	return slog.GroupValue(
		slog.String("sid", s.sidVal),
		slog.Int("keys", n),
		slog.Bool("accessed", s.accessed),
	)
}
