package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quota-gateway/internal/domain"
	"quota-gateway/internal/logger"
	"quota-gateway/internal/metrics"
	"quota-gateway/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorage é um mock do RateLimiterStorage para testes
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	args := m.Called(ctx, key, window)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	args := m.Called(ctx, key, window)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	args := m.Called(ctx, key, window)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockStorage) Clear(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStorage) Reserve(ctx context.Context, counters []domain.Counter, token string) (*domain.ReserveResult, error) {
	args := m.Called(ctx, counters, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ReserveResult), args.Error(1)
}

func (m *MockStorage) Release(ctx context.Context, keys []string, token string) error {
	args := m.Called(ctx, keys, token)
	return args.Error(0)
}

func (m *MockStorage) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustRule(t *testing.T, id string, requests, window int, scope domain.Scope, burst int) domain.Rule {
	t.Helper()
	rule, err := domain.NewRule(id, requests, window, scope, burst)
	require.NoError(t, err)
	return rule
}

func configWith(rules ...domain.Rule) *domain.RateLimitConfig {
	cfg := domain.NewRateLimitConfig()
	cfg.Rules = rules
	return cfg
}

// newTestService monta o serviço sobre o storage em memória com relógio manual
func newTestService(t *testing.T, cfg *domain.RateLimitConfig) (*RateLimiterService, *storage.MemoryStorage, *testClock) {
	t.Helper()
	clock := newTestClock()
	mem := storage.NewMemoryStorage(nil, storage.WithClock(clock.Now), storage.WithCleanupInterval(0))
	t.Cleanup(func() { _ = mem.Close() })

	svc, err := NewRateLimiterService(mem, cfg, logger.NewLoggerWithOutput("debug", "json", io.Discard), WithClock(clock.Now))
	require.NoError(t, err)
	return svc, mem, clock
}

func TestNewRateLimiterService_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *domain.RateLimitConfig
		wantErr error
	}{
		{
			name:    "Should reject nil config",
			config:  nil,
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "Should reject rule without id",
			config:  configWith(domain.Rule{RequestsAllowed: 1, WindowSeconds: 1, Scope: domain.ScopeIP}),
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "Should reject non positive window",
			config:  configWith(domain.Rule{ID: "r", RequestsAllowed: 1, WindowSeconds: 0, Scope: domain.ScopeIP}),
			wantErr: domain.ErrInvalidRule,
		},
		{
			name:   "Should accept empty rule set",
			config: domain.NewRateLimitConfig(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewRateLimiterService(new(MockStorage), tt.config, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.True(t, svc.Enabled())
		})
	}
}

func TestRateLimiterService_Attempt_SlidingWindow(t *testing.T) {
	svc, _, clock := newTestService(t, configWith(mustRule(t, "ip", 5, 60, domain.ScopeIP, 0)))
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "203.0.113.7", Endpoint: "/api/classify"}

	for i := 0; i < 5; i++ {
		d, err := svc.Attempt(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Status.Remaining)
		assert.NotNil(t, d.Reservation)
	}

	d, err := svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Status.Remaining)
	assert.Equal(t, 5, d.Status.Limit)
	require.NotNil(t, d.Status.RetryAfterSeconds)
	assert.Equal(t, 60, *d.Status.RetryAfterSeconds)
	assert.Nil(t, d.Reservation)

	// ainda dentro da janela
	clock.Advance(59 * time.Second)
	d, err = svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, *d.Status.RetryAfterSeconds)

	// eventos com idade igual à janela já não contam
	clock.Advance(time.Second)
	d, err = svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Status.Remaining)
}

func TestRateLimiterService_SplitMode_EndToEnd(t *testing.T) {
	svc, _, clock := newTestService(t, configWith(mustRule(t, "ip-3-10s", 3, 10, domain.ScopeIP, 0)))
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "198.51.100.1", Endpoint: "/"}
	start := clock.Now()

	for i, expected := range []int{2, 1, 0} {
		d, err := svc.Evaluate(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		recorded, err := svc.Record(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, expected, recorded.Status.Remaining, "request %d", i+1)
		assert.Equal(t, 3, recorded.Status.Limit)
		assert.Equal(t, start.Add(10*time.Second), recorded.Status.ResetAt)

		clock.Advance(time.Second)
	}

	d, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Status.RetryAfterSeconds)
	assert.Equal(t, 7, *d.Status.RetryAfterSeconds)
	assert.Equal(t, "ip-3-10s", d.Rule.ID)

	clock.Advance(7 * time.Second)
	d, err = svc.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Status.Remaining)
}

func TestRateLimiterService_Evaluate_IsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, configWith(mustRule(t, "ip", 3, 60, domain.ScopeIP, 0)))
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1"}

	_, err := svc.Record(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d, err := svc.Evaluate(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Status.Remaining)
	}
}

func TestRateLimiterService_KeyIsolation(t *testing.T) {
	svc, _, _ := newTestService(t, configWith(mustRule(t, "ip", 2, 60, domain.ScopeIP, 0)))
	ctx := context.Background()
	a := domain.RequestInfo{ClientIP: "10.0.0.1"}
	b := domain.RequestInfo{ClientIP: "10.0.0.2"}

	for i := 0; i < 2; i++ {
		_, err := svc.Attempt(ctx, a)
		require.NoError(t, err)
	}
	d, err := svc.Attempt(ctx, a)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = svc.Attempt(ctx, b)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Status.Remaining)
}

func TestRateLimiterService_MostRestrictiveRuleWins(t *testing.T) {
	cfg := configWith(
		mustRule(t, "ip", 10, 60, domain.ScopeIP, 0),
		mustRule(t, "user", 2, 60, domain.ScopeUser, 0),
	)
	svc, _, _ := newTestService(t, cfg)
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1", UserID: "alice"}

	d, err := svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	// a regra de usuário tem a menor folga relativa
	assert.Equal(t, "user", d.Rule.ID)
	assert.Equal(t, 1, d.Status.Remaining)

	_, err = svc.Attempt(ctx, req)
	require.NoError(t, err)

	d, err = svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ScopeUser, d.Rule.Scope)

	// a rejeição atômica não cobra a regra de IP
	report, err := svc.UsageStats(ctx, domain.ScopeIP, "10.0.0.1", "")
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, 2, report.Entries[0].Count)

	// usuário anônimo no mesmo IP ainda passa
	d, err = svc.Attempt(ctx, domain.RequestInfo{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ip", d.Rule.ID)
}

func TestRateLimiterService_Burst(t *testing.T) {
	svc, _, _ := newTestService(t, configWith(mustRule(t, "ip", 5, 60, domain.ScopeIP, 2)))
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1"}

	for i := 0; i < 7; i++ {
		d, err := svc.Attempt(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 7, d.Status.Limit)
	}

	d, err := svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRateLimiterService_ShortCircuit(t *testing.T) {
	tests := []struct {
		name   string
		config func() *domain.RateLimitConfig
		req    domain.RequestInfo
	}{
		{
			name: "Should bypass exempt IP",
			config: func() *domain.RateLimitConfig {
				cfg := configWith(domain.Rule{ID: "ip", RequestsAllowed: 1, WindowSeconds: 60, Scope: domain.ScopeIP})
				cfg.ExemptIPs["10.0.0.9"] = struct{}{}
				return cfg
			},
			req: domain.RequestInfo{ClientIP: "10.0.0.9"},
		},
		{
			name: "Should bypass exempt user",
			config: func() *domain.RateLimitConfig {
				cfg := configWith(domain.Rule{ID: "user", RequestsAllowed: 1, WindowSeconds: 60, Scope: domain.ScopeUser})
				cfg.ExemptUserIDs["ops"] = struct{}{}
				return cfg
			},
			req: domain.RequestInfo{ClientIP: "10.0.0.1", UserID: "ops"},
		},
		{
			name: "Should bypass when disabled",
			config: func() *domain.RateLimitConfig {
				cfg := configWith(domain.Rule{ID: "ip", RequestsAllowed: 1, WindowSeconds: 60, Scope: domain.ScopeIP})
				cfg.Enabled = false
				return cfg
			},
			req: domain.RequestInfo{ClientIP: "10.0.0.1"},
		},
		{
			name:   "Should be unlimited without applicable rules",
			config: func() *domain.RateLimitConfig { return configWith(domain.Rule{ID: "user", RequestsAllowed: 1, WindowSeconds: 60, Scope: domain.ScopeUser}) },
			req:    domain.RequestInfo{ClientIP: "10.0.0.1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStorage := new(MockStorage)
			svc, err := NewRateLimiterService(mockStorage, tt.config(), nil)
			require.NoError(t, err)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				for _, call := range []func(context.Context, domain.RequestInfo) (*domain.Decision, error){svc.Evaluate, svc.Record, svc.Attempt} {
					d, err := call(ctx, tt.req)
					require.NoError(t, err)
					assert.True(t, d.Allowed)
					assert.True(t, d.Unlimited)
				}
			}

			// nenhuma chamada ao storage
			mockStorage.AssertExpectations(t)
			assert.Empty(t, mockStorage.Calls)
		})
	}
}

func TestRateLimiterService_StorageFailure(t *testing.T) {
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1"}
	boom := errors.New("connection refused")

	mockStorage := new(MockStorage)
	mockStorage.On("Reserve", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom)
	mockStorage.On("Count", mock.Anything, mock.Anything, time.Minute).Return(0, boom)
	mockStorage.On("Increment", mock.Anything, mock.Anything, time.Minute).Return(0, boom)

	collector := metrics.New()
	svc, err := NewRateLimiterService(mockStorage, configWith(mustRule(t, "ip", 5, 60, domain.ScopeIP, 0)),
		logger.NewLoggerWithOutput("error", "json", io.Discard), WithMetrics(collector))
	require.NoError(t, err)

	for name, call := range map[string]func(context.Context, domain.RequestInfo) (*domain.Decision, error){
		"attempt":  svc.Attempt,
		"evaluate": svc.Evaluate,
		"record":   svc.Record,
	} {
		d, err := call(ctx, req)
		assert.Nil(t, d, name)
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable, name)
	}

	expected := `
# HELP ratelimit_decisions_total Admission decisions by outcome and reporting scope.
# TYPE ratelimit_decisions_total counter
ratelimit_decisions_total{outcome="error",scope="none"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "ratelimit_decisions_total"))
	mockStorage.AssertExpectations(t)
}

func TestRateLimiterService_StorageFailureAlreadyWrapped(t *testing.T) {
	wrapped := errors.Join(domain.ErrStorageUnavailable, errors.New("timeout"))
	mockStorage := new(MockStorage)
	mockStorage.On("Reserve", mock.Anything, mock.Anything, mock.Anything).Return(nil, wrapped)

	svc, err := NewRateLimiterService(mockStorage, configWith(mustRule(t, "ip", 5, 60, domain.ScopeIP, 0)), nil)
	require.NoError(t, err)

	_, err = svc.Attempt(context.Background(), domain.RequestInfo{ClientIP: "10.0.0.1"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorContains(t, err, "timeout")
}

func TestRateLimiterService_StorageTimeout(t *testing.T) {
	mockStorage := new(MockStorage)
	mockStorage.On("Reserve", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	svc, err := NewRateLimiterService(mockStorage, configWith(mustRule(t, "ip", 5, 60, domain.ScopeIP, 0)), nil,
		WithStorageTimeout(10*time.Millisecond))
	require.NoError(t, err)

	_, err = svc.Attempt(context.Background(), domain.RequestInfo{ClientIP: "10.0.0.1"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestRateLimiterService_Attempt_IsAtomicUnderConcurrency(t *testing.T) {
	svc, _, _ := newTestService(t, configWith(
		mustRule(t, "ip", 10, 60, domain.ScopeIP, 0),
		mustRule(t, "user", 20, 60, domain.ScopeUser, 0),
	))
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1", UserID: "bob"}

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := svc.Attempt(ctx, req)
			if err == nil && d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed)

	// rejeitadas não deixaram eventos em nenhum contador
	report, err := svc.UsageStats(ctx, domain.ScopeUser, "bob", "")
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, 10, report.Entries[0].Count)
}

func TestRateLimiterService_Refund(t *testing.T) {
	svc, _, _ := newTestService(t, configWith(mustRule(t, "ip", 2, 60, domain.ScopeIP, 0)))
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1"}

	first, err := svc.Attempt(ctx, req)
	require.NoError(t, err)
	_, err = svc.Attempt(ctx, req)
	require.NoError(t, err)

	require.NoError(t, svc.Refund(ctx, first))

	d, err := svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Status.Remaining)

	// decisões sem reserva não fazem nada
	assert.NoError(t, svc.Refund(ctx, nil))
	assert.NoError(t, svc.Refund(ctx, &domain.Decision{Allowed: true, Unlimited: true}))
}

func TestRateLimiterService_SharedKeyUsesSmallestLimit(t *testing.T) {
	mockStorage := new(MockStorage)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	cfg := configWith(mustRule(t, "ip-global", 10, 60, domain.ScopeIP, 0))
	cfg.TenantRules["acme"] = []domain.Rule{mustRule(t, "ip-acme", 4, 60, domain.ScopeIP, 0)}

	key := BuildCounterKey(domain.ScopeIP, "10.0.0.1", "", 60)
	mockStorage.On("Reserve", mock.Anything, []domain.Counter{{Key: key, Window: time.Minute, Limit: 4}}, mock.AnythingOfType("string")).
		Return(&domain.ReserveResult{Admitted: true, Counts: []int{1}}, nil)
	mockStorage.On("ResetTime", mock.Anything, key, time.Minute).Return(now.Add(time.Minute), nil)

	svc, err := NewRateLimiterService(mockStorage, cfg, nil, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	d, err := svc.Attempt(context.Background(), domain.RequestInfo{ClientIP: "10.0.0.1", TenantID: "acme"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ip-acme", d.Rule.ID)
	assert.Equal(t, 3, d.Status.Remaining)
	require.NotNil(t, d.Reservation)
	assert.Equal(t, []string{key}, d.Reservation.Keys)
	mockStorage.AssertExpectations(t)
}

func TestRateLimiterService_EndpointOverride(t *testing.T) {
	cfg := configWith(mustRule(t, "ip", 10, 60, domain.ScopeIP, 0))
	cfg.EndpointRules["/api/classify"] = []domain.Rule{mustRule(t, "classify-ip", 2, 60, domain.ScopeIP, 0)}
	svc, _, _ := newTestService(t, cfg)
	ctx := context.Background()

	classify := domain.RequestInfo{ClientIP: "10.0.0.1", Endpoint: "/api/classify"}
	for i := 0; i < 2; i++ {
		d, err := svc.Attempt(ctx, classify)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, "classify-ip", d.Rule.ID)
	}
	d, err := svc.Attempt(ctx, classify)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// demais rotas seguem a regra global, com contador próprio
	d, err = svc.Attempt(ctx, domain.RequestInfo{ClientIP: "10.0.0.1", Endpoint: "/"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ip", d.Rule.ID)
	assert.Equal(t, 9, d.Status.Remaining)
}

func TestRateLimiterService_EndpointScope(t *testing.T) {
	svc, _, _ := newTestService(t, configWith(mustRule(t, "per-route", 1, 60, domain.ScopeEndpoint, 0)))
	ctx := context.Background()

	d, err := svc.Attempt(ctx, domain.RequestInfo{ClientIP: "10.0.0.1", UserID: "carol", Endpoint: "/a"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = svc.Attempt(ctx, domain.RequestInfo{ClientIP: "10.0.0.2", UserID: "carol", Endpoint: "/a"})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "same user on the same route shares the counter")

	d, err = svc.Attempt(ctx, domain.RequestInfo{ClientIP: "10.0.0.1", UserID: "carol", Endpoint: "/b"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	report, err := svc.UsageStats(ctx, domain.ScopeEndpoint, "carol", "/a")
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, 1, report.Entries[0].Count)

	// sem endpoint não há como resolver o contador
	report, err = svc.UsageStats(ctx, domain.ScopeEndpoint, "carol", "")
	require.NoError(t, err)
	assert.Empty(t, report.Entries)
}

func TestRateLimiterService_TenantRules(t *testing.T) {
	cfg := configWith(mustRule(t, "ip", 100, 60, domain.ScopeIP, 0))
	cfg.TenantRules["acme"] = []domain.Rule{mustRule(t, "acme", 2, 60, domain.ScopeTenant, 0)}
	cfg.TenantRules["globex"] = []domain.Rule{mustRule(t, "globex", 5, 60, domain.ScopeTenant, 0)}
	svc, _, _ := newTestService(t, cfg)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		d, err := svc.Attempt(ctx, domain.RequestInfo{ClientIP: ip, TenantID: "acme"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := svc.Attempt(ctx, domain.RequestInfo{ClientIP: "10.0.0.3", TenantID: "acme"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "acme", d.Rule.ID)

	report, err := svc.UsageStats(ctx, domain.ScopeTenant, "acme", "")
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "acme", report.Entries[0].RuleID)
	assert.Equal(t, domain.RuleTarget{Tenant: "acme"}, report.Entries[0].Target)
	assert.Equal(t, 2, report.Entries[0].Count)
}

func TestRateLimiterService_UsageStatsAndReset(t *testing.T) {
	svc, _, clock := newTestService(t, configWith(
		mustRule(t, "ip-minute", 5, 60, domain.ScopeIP, 0),
		mustRule(t, "ip-hour", 100, 3600, domain.ScopeIP, 0),
	))
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1"}

	for i := 0; i < 3; i++ {
		_, err := svc.Attempt(ctx, req)
		require.NoError(t, err)
	}

	report, err := svc.UsageStats(ctx, domain.ScopeIP, "10.0.0.1", "")
	require.NoError(t, err)
	require.Len(t, report.Entries, 2)
	assert.Equal(t, "ip-minute", report.Entries[0].RuleID)
	assert.Equal(t, 3, report.Entries[0].Count)
	assert.Equal(t, 2, report.Entries[0].Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), report.Entries[0].ResetAt)
	assert.Equal(t, "ip-hour", report.Entries[1].RuleID)
	assert.Equal(t, 97, report.Entries[1].Remaining)

	require.NoError(t, svc.Reset(ctx, domain.ScopeIP, "10.0.0.1", ""))

	report, err = svc.UsageStats(ctx, domain.ScopeIP, "10.0.0.1", "")
	require.NoError(t, err)
	for _, entry := range report.Entries {
		assert.Equal(t, 0, entry.Count)
	}

	_, err = svc.UsageStats(ctx, domain.Scope("planet"), "x", "")
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
	assert.ErrorIs(t, svc.Reset(ctx, domain.Scope("planet"), "x", ""), domain.ErrInvalidRule)
}

func TestRateLimiterService_AddAndRemoveRule(t *testing.T) {
	svc, _, _ := newTestService(t, domain.NewRateLimitConfig())
	ctx := context.Background()
	req := domain.RequestInfo{ClientIP: "10.0.0.1", UserID: "dave", Endpoint: "/x"}

	d, err := svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Unlimited)

	before := svc.Config()
	rule, err := svc.AddRule(domain.RuleTarget{}, domain.Rule{RequestsAllowed: 1, WindowSeconds: 60, Scope: domain.ScopeUser})
	require.NoError(t, err)
	assert.Equal(t, "user-1-60s", rule.ID)
	assert.Empty(t, before.Rules, "published snapshots are never mutated")

	d, err = svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	_, err = svc.AddRule(domain.RuleTarget{}, rule)
	assert.ErrorIs(t, err, domain.ErrDuplicateRule)

	_, err = svc.AddRule(domain.RuleTarget{}, domain.Rule{ID: "bad", RequestsAllowed: 0, WindowSeconds: 60, Scope: domain.ScopeIP})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	_, err = svc.AddRule(domain.RuleTarget{Tenant: "a", Endpoint: "/x"}, domain.Rule{RequestsAllowed: 1, WindowSeconds: 1, Scope: domain.ScopeIP})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	tenantRule, err := svc.AddRule(domain.RuleTarget{Tenant: "acme"}, domain.Rule{RequestsAllowed: 3, WindowSeconds: 30, Scope: domain.ScopeTenant})
	require.NoError(t, err)
	assert.Equal(t, "tenant:acme:tenant-3-30s", tenantRule.ID)
	assert.Len(t, svc.Config().TenantRules["acme"], 1)

	require.NoError(t, svc.RemoveRule(rule.ID))
	require.NoError(t, svc.RemoveRule(tenantRule.ID))
	assert.NotContains(t, svc.Config().TenantRules, "acme")
	assert.ErrorIs(t, svc.RemoveRule(rule.ID), domain.ErrRuleNotFound)

	d, err = svc.Attempt(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Unlimited)
}

func TestRateLimiterService_Reload(t *testing.T) {
	collector := metrics.New()
	clock := newTestClock()
	mem := storage.NewMemoryStorage(nil, storage.WithClock(clock.Now), storage.WithCleanupInterval(0))
	defer mem.Close()

	svc, err := NewRateLimiterService(mem, configWith(mustRule(t, "ip", 1, 60, domain.ScopeIP, 0)), nil,
		WithClock(clock.Now), WithMetrics(collector))
	require.NoError(t, err)

	invalid := configWith(domain.Rule{ID: "x", RequestsAllowed: -1, WindowSeconds: 60, Scope: domain.ScopeIP})
	assert.ErrorIs(t, svc.Reload(invalid), domain.ErrInvalidRule)
	assert.ErrorIs(t, svc.Reload(nil), domain.ErrInvalidConfig)
	assert.Equal(t, "ip", svc.Config().Rules[0].ID, "invalid reload keeps the previous config")

	next := configWith(mustRule(t, "ip-wide", 50, 60, domain.ScopeIP, 0))
	require.NoError(t, svc.Reload(next))
	assert.Equal(t, "ip-wide", svc.Config().Rules[0].ID)

	next.Rules[0].RequestsAllowed = 1
	assert.Equal(t, 50, svc.Config().Rules[0].RequestsAllowed, "reload stores its own copy")

	expected := `
# HELP ratelimit_config_reloads_total Configuration reload attempts by result.
# TYPE ratelimit_config_reloads_total counter
ratelimit_config_reloads_total{result="failure"} 2
ratelimit_config_reloads_total{result="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "ratelimit_config_reloads_total"))
}

func TestRateLimiterService_ConcurrentReads(t *testing.T) {
	svc, _, _ := newTestService(t, configWith(mustRule(t, "ip", 1000, 60, domain.ScopeIP, 0)))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.Attempt(ctx, domain.RequestInfo{ClientIP: "10.0.0.1"})
		}()
		go func(i int) {
			defer wg.Done()
			_ = svc.Reload(configWith(domain.Rule{ID: "ip", RequestsAllowed: 1000 + i, WindowSeconds: 60, Scope: domain.ScopeIP}))
		}(i)
	}
	wg.Wait()

	assert.Len(t, svc.Config().Rules, 1)
}

func TestRateLimiterService_Health(t *testing.T) {
	mockStorage := new(MockStorage)
	mockStorage.On("Health", mock.Anything).Return(domain.ErrStorageUnavailable).Once()
	mockStorage.On("Health", mock.Anything).Return(nil).Once()

	svc, err := NewRateLimiterService(mockStorage, domain.NewRateLimitConfig(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Health(context.Background()), domain.ErrStorageUnavailable)
	assert.NoError(t, svc.Health(context.Background()))
	mockStorage.AssertExpectations(t)
}
