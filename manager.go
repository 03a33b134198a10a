package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/exp/slog"

	"github.com/sessionforge/sessionforge/internal/codec"
	"github.com/sessionforge/sessionforge/internal/sid"
	"github.com/sessionforge/sessionforge/internal/signer"
	"github.com/sessionforge/sessionforge/tier"
)

const (
	defaultLifetime            = 7 * 24 * time.Hour
	defaultCookieOnlyThreshold = 10 * 1024 // bytes, §3
	defaultCookiePrefix        = "sess_"
	defaultMaxCookieSize       = 4096 // bytes, §3 MAX_DATA_PER_COOKIE budget
	cookieOverhead             = 64   // name, attributes, and framing slack reserved per fragment
)

// contextKey is the type used for values this package stores in a
// request Context, kept unexported so it cannot collide with keys set by
// other packages (per Go's context-key convention).
type contextKey string

const contextKeySession = contextKey("sessionforge-session")

// Config holds the validated, static configuration for a Manager. Every
// field has a zero-value-safe default applied by NewManager except BaseKey,
// which is required.
type Config struct {
	// BaseKey is the deployment's master key, from which the Manager derives
	// its MAC key via HKDF-SHA256 (spec §3). It must be at least 32 bytes of
	// high-entropy data and must not be logged or serialized.
	BaseKey []byte `validate:"required,min=32"`

	// Lifetime is the duration a newly started session remains valid for.
	// Default: 7 days.
	Lifetime time.Duration `validate:"gte=0"`

	// CookieOnlyThreshold is the encoded-payload byte threshold under which a
	// session's data is carried entirely in the cookie, never touching cache
	// or datastore (spec §3). Default: 10240 bytes.
	CookieOnlyThreshold int `validate:"gte=0"`

	// CookiePrefix names the family of fragment cookies this Manager
	// manages, e.g. "sess_" yields "sess_00", "sess_01", .... Default: "sess_".
	CookiePrefix string `validate:"required"`

	// MaxCookieSize bounds the size of a single Set-Cookie fragment,
	// matching common browser per-cookie limits. Default: 4096 bytes.
	MaxCookieSize int `validate:"gte=256"`

	// NoDatastore, if true, restricts every Session created by this Manager
	// to the cookie and cache tiers only; the datastore (if any) is never
	// consulted. Useful for deployments without a durable backend.
	NoDatastore bool

	// HeavyAdapter is passed through to the codec; see codec.HeavyAdapter.
	HeavyAdapter codec.HeavyAdapter

	// Clock overrides time.Now, for tests. Default: time.Now.
	Clock func() time.Time
}

var validate = validator.New()

func (c *Config) applyDefaults() {
	if c.Lifetime == 0 {
		c.Lifetime = defaultLifetime
	}
	if c.CookieOnlyThreshold == 0 {
		c.CookieOnlyThreshold = defaultCookieOnlyThreshold
	}
	if c.CookiePrefix == "" {
		c.CookiePrefix = defaultCookiePrefix
	}
	if c.MaxCookieSize == 0 {
		c.MaxCookieSize = defaultMaxCookieSize
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: fe.Field(), Reason: fe.Tag()}
		}
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// deriveMACKey derives the Manager's MAC key from base via HKDF-SHA256,
// keeping the master key itself out of Signer's hands.
func deriveMACKey(base []byte) ([]byte, error) {
	key := make([]byte, 32)
	prk := hkdf.Extract(sha256.New, base, nil)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("sessionforge-mac-key")), key); err != nil {
		return nil, fmt.Errorf("session: failed to derive MAC key: %w", err)
	}
	return key, nil
}

// Manager mints and reconstructs Sessions for an HTTP server. A single
// Manager is shared across every request; Session itself is per-request and
// must not be shared across goroutines handling different requests.
type Manager struct {
	opts   Config
	signer *signer.Signer
	codec  *codec.Codec
	tier   *tier.StorageTier
}

func (m *Manager) now() time.Time { return m.opts.Clock() }

// maxDataPerCookie returns the maximum number of bytes of fragment value
// this Manager will place in a single cookie, accounting for the fixed
// per-cookie overhead of attributes and name. Secure-flagged cookies reserve
// 8 additional bytes of headroom for the "; Secure" attribute.
func (m *Manager) maxDataPerCookie(secureOnly bool) int {
	n := m.opts.MaxCookieSize - cookieOverhead - len(m.opts.CookiePrefix) - 2
	if secureOnly {
		n -= 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NewManager constructs a Manager from the given cache/datastore tiers and
// configuration. cache and datastore may each be nil, in which case the
// corresponding tier is never consulted (sessions above the cookie-only
// threshold with no cache and no datastore configured are not persisted
// anywhere: the cookie carries only SIG+SID, and the next request finds no
// record and ends the session with ErrSessionLost).
func NewManager(cache tier.Cache, datastore tier.Datastore, cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	macKey, err := deriveMACKey(cfg.BaseKey)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:   cfg,
		signer: signer.New(macKey),
		codec:  codec.New(cfg.HeavyAdapter),
		tier:   tier.New(cache, datastore),
	}, nil
}

// New constructs a Session bound to the given request's incoming cookies
// and remote address. It does not allocate a sid: the Session takes the sid
// from a well-formed incoming cookie (verified lazily on first access), and
// is otherwise sessionless until the first call to Start, Set or SetQuick.
func (m *Manager) New(ctx context.Context, r *http.Request) *Session {
	names, value := collectFragments(r.Cookies(), m.opts.CookiePrefix)
	s := &Session{
		mgr:                 m,
		ctx:                 ctx,
		cookieKeys:          names,
		clientIP:            clientIP(r),
		lifetime:            m.opts.Lifetime,
		noDatastore:         m.opts.NoDatastore,
		cookieOnlyThreshold: m.opts.CookieOnlyThreshold,
	}
	if value == "" {
		return s
	}
	sig, sidVal, payloadB64, ok := splitSigned(value)
	if !ok || !sid.Valid(sidVal) {
		slog.Debug("session: malformed cookie value, starting sessionless", "remote", s.clientIP)
		return s
	}
	s.sidVal = sidVal
	s.secureOnly = sid.IsSecure(sidVal)
	s.incomingSig = sig
	s.incomingPayloadB64 = payloadB64
	s.hadCookiePayload = payloadB64 != ""
	return s
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FromContext returns the Session stored in ctx by the Manage middleware, or
// nil if none is present (e.g. ctx did not come from a Manage-wrapped
// handler).
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKeySession).(*Session)
	return s
}

// bufferedResponseWriter defers the status line and body until the wrapped
// handler returns, so that Manage can inject Set-Cookie headers reflecting
// mutations the handler made to the Session — which is only known once the
// handler has finished running.
type bufferedResponseWriter struct {
	http.ResponseWriter
	buf         bytes.Buffer
	code        int
	wroteHeader bool
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.code = code
	w.wroteHeader = true
}

func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.buf.Write(b)
}

func (w *bufferedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("session: underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

// Manage is HTTP middleware that attaches a Session to the request context,
// buffers the handler's response, flushes the session on completion, and
// emits the resulting Set-Cookie headers before writing the buffered status
// and body to the real ResponseWriter. Handlers retrieve the Session via
// FromContext.
func (m *Manager) Manage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := m.New(r.Context(), r)
		ctx := context.WithValue(r.Context(), contextKeySession, s)

		bw := &bufferedResponseWriter{ResponseWriter: w}
		next.ServeHTTP(bw, r.WithContext(ctx))

		s.Flush(false)
		for _, line := range s.EmitCookieHeaders() {
			w.Header().Add("Set-Cookie", line)
		}
		if bw.wroteHeader {
			w.WriteHeader(bw.code)
		}
		if bw.buf.Len() > 0 {
			w.Write(bw.buf.Bytes())
		}
	})
}
