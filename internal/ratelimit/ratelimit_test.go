package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/counterstore"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	clock   *clockwork.FakeClock
	store   counterstore.Store
	repo    *repository.Memory
	limiter *Limiter
	mw      *Middleware
	cfg     config.RateLimitConfig
}

func newFixture(t *testing.T, mutate func(*config.RateLimitConfig)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	return newFixtureWithStore(t, clock, counterstore.NewMemory(clock), mutate)
}

func newFixtureWithStore(t *testing.T, clock *clockwork.FakeClock, store counterstore.Store, mutate func(*config.RateLimitConfig)) *fixture {
	t.Helper()
	cfg := config.Default().RateLimit
	if mutate != nil {
		mutate(&cfg)
	}
	repo := repository.NewMemory()
	limiter := NewLimiter(store, clock, cfg, discard)
	mw := NewMiddleware(MiddlewareConfig{
		Limiter:         limiter,
		Auth:            NewAuthenticator(repo, clock, discard),
		Operations:      NewOperationClassifier(cfg),
		Catalog:         NewEndpointCatalog("GET /api/v1/jobs/{jobId}", "POST /api/v1/upload/chunk", "/gopherscan.AnalysisStatus/GetJob"),
		Clock:           clock,
		ClientTagMaxLen: cfg.ClientTagMaxLen,
		ExemptPaths:     []string{"/healthz", "/grpc.health.v1.Health/Check"},
		Logger:          discard,
	})
	return &fixture{clock: clock, store: store, repo: repo, limiter: limiter, mw: mw, cfg: cfg}
}

func okHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {})
	return mux
}

func get(h http.Handler, path, ip string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":40000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func guestReadQuota(n int) func(*config.RateLimitConfig) {
	return func(c *config.RateLimitConfig) {
		c.Hourly = config.DefaultQuotas()
		c.Hourly[config.RowGuest][config.TierRead] = n
	}
}

func TestGuestReadQuotaRejectsSixthRequest(t *testing.T) {
	f := newFixture(t, guestReadQuota(5))
	h := f.mw.Wrap(okHandler())
	reset := strconv.FormatInt(f.clock.Now().Add(time.Hour).Unix(), 10)

	for want := 4; want >= 0; want-- {
		rec := get(h, "/api/v1/jobs/j1", "203.0.113.9", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		require.Equal(t, strconv.Itoa(want), rec.Header().Get("X-RateLimit-Remaining"))
		require.Equal(t, reset, rec.Header().Get("X-RateLimit-Reset"))
		f.clock.Advance(time.Second)
	}

	rec := get(h, "/api/v1/jobs/j1", "203.0.113.9", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.Greater(t, retry, 0)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, apperr.CodeRateLimit, body["code"])
	require.Equal(t, config.TierRead, body["tier"])
	require.EqualValues(t, 5, body["limit"])

	// a different guest has its own window
	require.Equal(t, http.StatusOK, get(h, "/api/v1/jobs/j1", "203.0.113.10", nil).Code)
}

func TestRetryAfterTracksOldestEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, guestReadQuota(2))
	guest := Caller{Class: ClassGuest, ID: "198.51.100.1"}

	for i := 0; i < 2; i++ {
		d, err := f.limiter.Check(ctx, guest, config.TierRead)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		f.clock.Advance(10 * time.Minute)
	}

	d, err := f.limiter.Check(ctx, guest, config.TierRead)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, 40*time.Minute, d.RetryAfter)

	f.clock.Advance(40 * time.Minute)
	d, err = f.limiter.Check(ctx, guest, config.TierRead)
	require.NoError(t, err)
	require.True(t, d.Allowed, "oldest entry left the window")
	require.Equal(t, 0, d.Remaining)
}

func TestRetryAfterRoundsUpToWholeSeconds(t *testing.T) {
	require.Equal(t, time.Second, ceilSeconds(0))
	require.Equal(t, time.Second, ceilSeconds(10*time.Millisecond))
	require.Equal(t, 2*time.Second, ceilSeconds(1001*time.Millisecond))
	require.Equal(t, 3*time.Second, ceilSeconds(3*time.Second))
}

func TestQuotaTiersAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *config.RateLimitConfig) {
		c.Hourly = config.DefaultQuotas()
		c.Hourly[config.RowGuest][config.TierWrite] = 1
	})
	guest := Caller{Class: ClassGuest, ID: "198.51.100.1"}

	d, err := f.limiter.Check(ctx, guest, config.TierWrite)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = f.limiter.Check(ctx, guest, config.TierWrite)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = f.limiter.Check(ctx, guest, config.TierRead)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestBurstWindowAppliesOnTopOfHourly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *config.RateLimitConfig) {
		c.Burst.Limit = 3
	})
	key := Caller{Class: ClassKey, ID: "key-1"}

	for i := 0; i < 3; i++ {
		d, err := f.limiter.Check(ctx, key, config.TierRead)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 50000-(i+1), d.Remaining, "admitted requests report the hourly window")
	}

	d, err := f.limiter.Check(ctx, key, config.TierRead)
	require.NoError(t, err)
	require.False(t, d.Allowed, "burst window rejects while hourly has room")
	require.Equal(t, 3, d.Limit)
	require.Equal(t, time.Minute, d.Window)
	require.Equal(t, time.Minute, d.RetryAfter)

	// other tiers and other classes are not burst limited
	d, err = f.limiter.Check(ctx, key, config.TierWrite)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	user := Caller{Class: ClassUser, ID: "u1", AccountTier: config.RowFree}
	for i := 0; i < 5; i++ {
		d, err = f.limiter.Check(ctx, user, config.TierRead)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	f.clock.Advance(time.Minute)
	d, err = f.limiter.Check(ctx, key, config.TierRead)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestWindowEntryLayout(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := counterstore.NewMemory(clock)
	f := newFixtureWithStore(t, clock, store, nil)

	_, err := f.limiter.Check(ctx, Caller{Class: ClassGuest, ID: "192.0.2.1"}, config.TierWrite)
	require.NoError(t, err)

	key := WindowKey(config.TierWrite, ClassGuest, "192.0.2.1", "h")
	require.Equal(t, "rl:write:guest:192.0.2.1:h", key)
	raw, err := store.Get(ctx, key)
	require.NoError(t, err)
	var stamps []int64
	require.NoError(t, json.Unmarshal(raw, &stamps))
	require.Equal(t, []int64{clock.Now().UnixMilli()}, stamps)
	require.Equal(t, time.Hour, store.TTL(key))
}

func TestUnreadableEntryIsReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, guestReadQuota(1))
	key := WindowKey(config.TierRead, ClassGuest, "192.0.2.1", "h")
	require.NoError(t, f.store.Set(ctx, key, []byte("not json"), time.Hour))

	d, err := f.limiter.Check(ctx, Caller{Class: ClassGuest, ID: "192.0.2.1"}, config.TierRead)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

type brokenStore struct{ counterstore.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestStoreOutageRejectsWithServiceUnavailable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixtureWithStore(t, clock, brokenStore{}, nil)

	called := false
	h := f.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rec := get(h, "/api/v1/jobs/j1", "192.0.2.1", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.False(t, called, "an unreachable store must never admit")
	require.NotContains(t, rec.Body.String(), "connection refused")

	_, err := f.limiter.Check(context.Background(), Caller{Class: ClassGuest, ID: "x"}, config.TierRead)
	require.True(t, apperr.Is(err, apperr.KindInfrastructure))
}

func TestAdminBypassesQuota(t *testing.T) {
	f := newFixture(t, func(c *config.RateLimitConfig) {
		c.Hourly = config.DefaultQuotas()
		c.Hourly[config.RowMachine][config.TierRead] = 1
	})
	f.repo.PutAPIKey(HashToken("admin-secret"), repository.APIKey{ID: "k-admin", AccountTier: config.RowMachine, IsAdmin: true})
	h := f.mw.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		rec := get(h, "/api/v1/jobs/j1", "192.0.2.1", map[string]string{"X-API-Key": "admin-secret"})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestExemptPathsSkipTheLimiter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixtureWithStore(t, clock, brokenStore{}, nil)
	rec := get(f.mw.Wrap(okHandler()), "/healthz", "192.0.2.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClassifyOperation(t *testing.T) {
	c := NewOperationClassifier(config.Default().RateLimit)
	tests := []struct {
		path, method, want string
	}{
		{"/api/v1/exceptions", http.MethodPost, config.TierExceptions},
		{"/api/v1/errors/42", http.MethodGet, config.TierExceptions},
		{"/api/v1/upload/initiate", http.MethodPost, config.TierFilesUpload},
		{"/api/v1/upload/chunk", http.MethodPost, config.TierRead},
		{"/api/v1/upload/complete", http.MethodPost, config.TierWrite},
		{"/api/v1/files", http.MethodPut, config.TierFilesUpload},
		{"/api/v1/upload/abc", http.MethodGet, config.TierRead},
		{"/api/v1/uploads", http.MethodPost, config.TierWrite},
		{"/api/v1/jobs/1", http.MethodDelete, config.TierWrite},
		{"/api/v1/jobs/1", http.MethodGet, config.TierRead},
		{"/api/v1/jobs/1", http.MethodHead, config.TierRead},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			require.Equal(t, tc.want, c.Classify(tc.path, tc.method))
		})
	}
}

func TestResolveCaller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	auth := NewAuthenticator(f.repo, f.clock, discard)

	f.repo.PutAPIKey(HashToken("good-key"), repository.APIKey{ID: "k1", AccountTier: config.RowMachine})
	f.repo.PutAPIKey(HashToken("old-key"), repository.APIKey{ID: "k2", Revoked: true})
	f.repo.PutUserSession(HashToken("tok"), repository.UserSession{UserID: "u1", AccountTier: config.RowPremium, ExpiresAt: f.clock.Now().Add(time.Hour)})
	f.repo.PutUserSession(HashToken("stale"), repository.UserSession{UserID: "u2", ExpiresAt: f.clock.Now().Add(-time.Second)})

	tests := []struct {
		name, key, bearer string
		want              Caller
		row               string
	}{
		{"api key wins", "good-key", "tok", Caller{Class: ClassKey, ID: "k1", AccountTier: config.RowMachine, IP: "ip"}, config.RowMachine},
		{"revoked key falls through", "old-key", "tok", Caller{Class: ClassUser, ID: "u1", AccountTier: config.RowPremium, IP: "ip"}, config.RowPremium},
		{"unknown key falls through", "nope", "", Caller{Class: ClassGuest, ID: "ip", IP: "ip"}, config.RowGuest},
		{"expired session is a guest", "", "stale", Caller{Class: ClassGuest, ID: "ip", IP: "ip"}, config.RowGuest},
		{"anonymous", "", "", Caller{Class: ClassGuest, ID: "ip", IP: "ip"}, config.RowGuest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := auth.Resolve(ctx, tc.key, tc.bearer, "ip")
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.row, got.QuotaRow())
		})
	}

	require.Equal(t, "secret", bearerToken("bearer secret"))
	require.Empty(t, bearerToken("Basic abc"))
}

type failingSink struct{}

func (failingSink) InsertUsage(context.Context, *repository.UsageRecord) error {
	return errors.New("db down")
}

func withUsage(f *fixture, u *UsageRecorder) http.Handler {
	f.mw.usage = u
	return f.mw.Wrap(okHandler())
}

func TestUsageRecordedForKeyActors(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.PutAPIKey(HashToken("k"), repository.APIKey{ID: "k1", AccountTier: config.RowMachine})
	usage := NewUsageRecorder(f.repo, 8, discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { usage.Run(ctx); close(done) }()

	h := withUsage(f, usage)
	tag := strings.Repeat("é", 40) // 80 bytes
	rec := get(h, "/api/v1/jobs/j9", "192.0.2.7", map[string]string{"X-API-Key": "k", "X-Client-Tag": tag})
	require.Equal(t, http.StatusOK, rec.Code)
	get(h, "/api/v1/jobs/j9", "192.0.2.7", nil) // guest, not recorded

	cancel()
	<-done

	records := f.repo.Usage()
	require.Len(t, records, 1)
	r := records[0]
	require.Equal(t, "k1", r.KeyID)
	require.Equal(t, 1, r.EndpointID)
	require.Equal(t, "GET /api/v1/jobs/{jobId}", r.Endpoint)
	require.Equal(t, http.MethodGet, r.Method)
	require.Equal(t, http.StatusOK, r.StatusCode)
	require.Equal(t, "192.0.2.7", r.ClientIP)
	require.Equal(t, strings.Repeat("é", 32), r.ClientTag)
}

func TestUsageFailuresNeverAffectResponses(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.PutAPIKey(HashToken("k"), repository.APIKey{ID: "k1", AccountTier: config.RowMachine})

	// not running: the buffer of one fills and further records are dropped
	h := withUsage(f, NewUsageRecorder(failingSink{}, 1, discard))
	for i := 0; i < 3; i++ {
		rec := get(h, "/api/v1/jobs/j1", "192.0.2.7", map[string]string{"X-API-Key": "k"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	usage := NewUsageRecorder(failingSink{}, 4, discard)
	usage.Record(repository.UsageRecord{KeyID: "k1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, usage.Run(ctx))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 64))
	require.Equal(t, "ab", truncate("abc", 2))
	require.Equal(t, "a", truncate("aé", 2))
	require.Equal(t, "abc", truncate("abc", 0))
}

func TestUnaryInterceptor(t *testing.T) {
	f := newFixture(t, guestReadQuota(1))
	intercept := f.mw.UnaryServerInterceptor()

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.44"), Port: 5000}})
	ctx = metadata.NewIncomingContext(ctx, metadata.MD{})
	info := &grpc.UnaryServerInfo{FullMethod: "/gopherscan.AnalysisStatus/GetJob"}

	var seen Caller
	handler := func(ctx context.Context, req any) (any, error) {
		seen, _ = CallerFrom(ctx)
		return "ok", nil
	}

	resp, err := intercept(ctx, nil, info, handler)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
	require.Equal(t, Caller{Class: ClassGuest, ID: "192.0.2.44", IP: "192.0.2.44"}, seen)

	_, err = intercept(ctx, nil, info, handler)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	broken := newFixtureWithStore(t, clockwork.NewFakeClock(), brokenStore{}, nil)
	_, err = broken.mw.UnaryServerInterceptor()(ctx, nil, info, handler)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestUnaryInterceptorRecordsKeyUsage(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.PutAPIKey(HashToken("k"), repository.APIKey{ID: "k1", AccountTier: config.RowMachine})
	usage := NewUsageRecorder(f.repo, 8, discard)
	f.mw.usage = usage
	intercept := f.mw.UnaryServerInterceptor()

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.9"), Port: 5000}})
	info := &grpc.UnaryServerInfo{FullMethod: "/gopherscan.AnalysisStatus/GetJob"}
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "job not found")
	}

	keyCtx := metadata.NewIncomingContext(ctx, metadata.Pairs("x-api-key", "k", "x-client-tag", "nightly"))
	_, err := intercept(keyCtx, nil, info, handler)
	require.Equal(t, codes.NotFound, status.Code(err))

	guestCtx := metadata.NewIncomingContext(ctx, metadata.MD{})
	_, err = intercept(guestCtx, nil, info, handler)
	require.Equal(t, codes.NotFound, status.Code(err))

	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, usage.Run(runCtx))

	records := f.repo.Usage()
	require.Len(t, records, 1)
	r := records[0]
	require.Equal(t, "k1", r.KeyID)
	require.Equal(t, 3, r.EndpointID)
	require.Equal(t, "/gopherscan.AnalysisStatus/GetJob", r.Endpoint)
	require.Equal(t, http.MethodPost, r.Method)
	require.Equal(t, http.StatusNotFound, r.StatusCode)
	require.Equal(t, "192.0.2.9", r.ClientIP)
	require.Equal(t, "nightly", r.ClientTag)
}

func TestUnaryInterceptorSkipsExemptMethods(t *testing.T) {
	f := newFixtureWithStore(t, clockwork.NewFakeClock(), brokenStore{}, nil)
	intercept := f.mw.UnaryServerInterceptor()
	ctx := metadata.NewIncomingContext(context.Background(), metadata.MD{})

	resp, err := intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(context.Context, any) (any, error) { return "serving", nil })
	require.NoError(t, err)
	require.Equal(t, "serving", resp)
}
