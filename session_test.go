package session_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	session "github.com/sessionforge/sessionforge"
	cachemem "github.com/sessionforge/sessionforge/cache/memory"
	dsmem "github.com/sessionforge/sessionforge/datastore/memory"
)

const testBaseKey = "01234567890123456789012345678901"

func newTestManager(t *testing.T, cfg session.Config) (*session.Manager, *cachemem.Cache, *dsmem.Datastore) {
	t.Helper()
	cache := cachemem.New()
	ds := dsmem.New()
	if cfg.BaseKey == nil {
		cfg.BaseKey = []byte(testBaseKey)
	}
	mgr, err := session.NewManager(cache, ds, cfg)
	require.NoError(t, err)
	return mgr, cache, ds
}

// harness wires a Manager into an httptest.Server via Manage, with a handler
// that exposes Get/MustGet/Set/SetQuick/Terminate/Regenerate over simple query
// parameters, and tracks cookies across requests with a cookiejar, mirroring
// the teacher's session_test.go integration style.
type harness struct {
	mgr    *session.Manager
	srv    *httptest.Server
	client *http.Client
	srvURL *url.URL
}

func newHarness(t *testing.T, mgr *session.Manager) *harness {
	t.Helper()
	h := &harness{mgr: mgr}
	mux := http.NewServeMux()
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		v, ok := s.Get(r.URL.Query().Get("k"))
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(v.(string)))
	})
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		s.Set(r.URL.Query().Get("k"), r.URL.Query().Get("v"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/setquick", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		s.SetQuick(r.URL.Query().Get("k"), r.URL.Query().Get("v"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/terminate", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		s.Terminate(true)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/regenerate", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		require.NoError(t, s.RegenerateID())
		w.Write([]byte(s.SID()))
	})
	mux.HandleFunc("/lost-check", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		s.Get("x") // forces ensureLoaded
		if errors.Is(s.Err(), session.ErrSessionLost) {
			w.Header().Set("X-Session-Err", "lost")
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/mustget", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		v, err := s.MustGet(r.URL.Query().Get("k"))
		if err != nil {
			if !errors.Is(err, session.ErrKeyMissing) {
				t.Errorf("MustGet: unexpected error: %v", err)
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(v.(string)))
	})
	mux.HandleFunc("/start-secure", func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		require.NoError(t, s.Start(session.WithSecureOnly(true)))
		s.Set(r.URL.Query().Get("k"), r.URL.Query().Get("v"))
		w.WriteHeader(http.StatusOK)
	})
	h.srv = httptest.NewServer(mgr.Manage(mux))
	t.Cleanup(h.srv.Close)

	u, err := url.Parse(h.srv.URL)
	require.NoError(t, err)
	h.srvURL = u

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h.client = &http.Client{Jar: jar}
	return h
}

func (h *harness) do(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.client.Get(h.srvURL.String() + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) cookies() []*http.Cookie {
	return h.client.Jar.Cookies(h.srvURL)
}

func TestSetThenGetRoundTripsThroughCookie(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{})
	h := newHarness(t, mgr)

	h.do(t, "/set?k=greeting&v=hello")
	resp := h.do(t, "/get?k=greeting")
	body := readAll(t, resp)
	assert.Equal(t, "hello", body)
}

func TestMustGetOnMissingKeyReturnsErrKeyMissing(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{})
	h := newHarness(t, mgr)
	resp := h.do(t, "/mustget?k=missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMustGetOnPresentKeyReturnsValue(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=greeting&v=hello")
	resp := h.do(t, "/mustget?k=greeting")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", readAll(t, resp))
}

func TestUnsetKeyReturnsNoContent(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{})
	h := newHarness(t, mgr)
	resp := h.do(t, "/get?k=missing")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSmallPayloadStaysInCookieOnly(t *testing.T) {
	mgr, cache, ds := newTestManager(t, session.Config{CookieOnlyThreshold: 10240})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v=b")
	assert.Zero(t, cache.Len())
	assert.Zero(t, ds.Len())
	assert.NotEmpty(t, h.cookies())
}

func TestLargePayloadForcesBackendStorage(t *testing.T) {
	mgr, cache, ds := newTestManager(t, session.Config{CookieOnlyThreshold: 16})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v="+strings.Repeat("x", 200))
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, ds.Len())

	resp := h.do(t, "/get?k=a")
	assert.Equal(t, strings.Repeat("x", 200), readAll(t, resp))
}

func TestMultiCookiePartitioning(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{CookieOnlyThreshold: 1 << 20, MaxCookieSize: 256})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v="+strings.Repeat("y", 2000))
	frags := 0
	for _, c := range h.cookies() {
		if strings.HasPrefix(c.Name, "sess_") {
			frags++
		}
	}
	assert.Greater(t, frags, 1)

	resp := h.do(t, "/get?k=a")
	assert.Equal(t, strings.Repeat("y", 2000), readAll(t, resp))
}

func TestSecureOnlyCookieReservesHeadroom(t *testing.T) {
	payload := strings.Repeat("z", 5000)

	// The cookie jar never returns Secure cookies for the plain-http test
	// server, so the fragments are read from each response's Set-Cookie lines.
	mgrPlain, _, _ := newTestManager(t, session.Config{MaxCookieSize: 300})
	hPlain := newHarness(t, mgrPlain)
	respPlain := hPlain.do(t, "/set?k=a&v="+payload)
	maxPlain := maxFragmentLen(respPlain.Cookies())

	mgrSecure, _, _ := newTestManager(t, session.Config{MaxCookieSize: 300})
	hSecure := newHarness(t, mgrSecure)
	respSecure := hSecure.do(t, "/start-secure?k=a&v="+payload)
	maxSecure := maxFragmentLen(respSecure.Cookies())

	// MaxCookieSize(300) - cookieOverhead(64) - len("sess_")(5) - 2 = 229,
	// minus 8 more bytes of "; Secure" headroom when secure-only.
	assert.Equal(t, 229, maxPlain)
	assert.Equal(t, 221, maxSecure)
}

func maxFragmentLen(cookies []*http.Cookie) int {
	max := 0
	for _, c := range cookies {
		if strings.HasPrefix(c.Name, "sess_") && len(c.Value) > max {
			max = len(c.Value)
		}
	}
	return max
}

func TestSessionLostErrSurfacedWhenBackendRecordGone(t *testing.T) {
	mgr, cache, ds := newTestManager(t, session.Config{CookieOnlyThreshold: 16})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v="+strings.Repeat("x", 200))
	require.Equal(t, 1, ds.Len())

	ctx := context.Background()
	for _, c := range h.cookies() {
		if strings.HasPrefix(c.Name, "sess_") {
			sidVal := extractSidFromCookieValue(t, c.Value)
			require.NoError(t, cache.Delete(ctx, sidVal))
			require.NoError(t, ds.Delete(ctx, sidVal))
		}
	}

	resp := h.do(t, "/lost-check")
	assert.Equal(t, "lost", resp.Header.Get("X-Session-Err"))
}

func extractSidFromCookieValue(t *testing.T, value string) string {
	t.Helper()
	const macLen = 44
	const sidLen = 43
	require.GreaterOrEqual(t, len(value), macLen+sidLen)
	return value[macLen : macLen+sidLen]
}

func TestTamperedCookieIsRejectedAndCleared(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v=b")

	for _, c := range h.cookies() {
		if strings.HasPrefix(c.Name, "sess_") {
			c.Value = c.Value[:len(c.Value)-1] + flip(c.Value[len(c.Value)-1])
			h.client.Jar.SetCookies(h.srvURL, []*http.Cookie{c})
		}
	}

	resp := h.do(t, "/get?k=a")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	for _, c := range h.cookies() {
		assert.False(t, strings.HasPrefix(c.Name, "sess_"), "tampered fragment %q was not expired", c.Name)
	}
}

func flip(b byte) string {
	if b == 'a' {
		return "b"
	}
	return "a"
}

func TestRegenerateIDPreservesData(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v=keepme")

	resp := h.do(t, "/regenerate")
	newSid := readAll(t, resp)
	assert.NotEmpty(t, newSid)

	resp = h.do(t, "/get?k=a")
	assert.Equal(t, "keepme", readAll(t, resp))
}

func TestTerminateClearsSessionAndCookies(t *testing.T) {
	mgr, _, ds := newTestManager(t, session.Config{CookieOnlyThreshold: 1})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v=b")
	require.Equal(t, 1, ds.Len())

	h.do(t, "/terminate")
	assert.Zero(t, ds.Len())

	resp := h.do(t, "/get?k=a")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSetQuickSkipsDatastoreButUpdatesCache(t *testing.T) {
	mgr, cache, ds := newTestManager(t, session.Config{CookieOnlyThreshold: 1})
	h := newHarness(t, mgr)
	h.do(t, "/setquick?k=a&v=b")
	assert.Equal(t, 1, cache.Len())
	assert.Zero(t, ds.Len())
}

func TestFlushIsIdempotentOnCleanSession(t *testing.T) {
	mgr, _, _ := newTestManager(t, session.Config{})
	s := mgr.New(newCtx(), httptest.NewRequest(http.MethodGet, "/", nil))
	s.Flush(false)
	assert.Nil(t, s.EmitCookieHeaders())
}

func TestReapExpiredDrainsExpiredRecords(t *testing.T) {
	now := time.Now()
	clock := now
	mgr, _, ds := newTestManager(t, session.Config{
		CookieOnlyThreshold: 1,
		Clock:               func() time.Time { return clock },
	})
	h := newHarness(t, mgr)
	h.do(t, "/set?k=a&v=b")
	require.Equal(t, 1, ds.Len())

	clock = now.Add(8 * 24 * time.Hour)
	n, err := mgr.ReapExpired(newCtx(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, ds.Len())
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func newCtx() context.Context {
	return context.Background()
}
