package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"quota-gateway/internal/domain"
	"quota-gateway/internal/logger"
	"quota-gateway/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RateLimiterService implementa a lógica de negócio do rate limiting,
// separada do middleware. A configuração fica num ponteiro atômico:
// leitores nunca veem uma configuração pela metade.
type RateLimiterService struct {
	storage domain.RateLimiterStorage
	config  atomic.Pointer[domain.RateLimitConfig]
	writeMu sync.Mutex
	logger  domain.Logger
	metrics *metrics.Collector
	now     func() time.Time
	timeout time.Duration
}

// Option configura o RateLimiterService
type Option func(*RateLimiterService)

// WithMetrics liga a instrumentação Prometheus
func WithMetrics(c *metrics.Collector) Option {
	return func(s *RateLimiterService) { s.metrics = c }
}

// WithClock substitui o relógio usado para calcular Retry-After
func WithClock(now func() time.Time) Option {
	return func(s *RateLimiterService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStorageTimeout limita a duração de cada chamada ao storage
func WithStorageTimeout(d time.Duration) Option {
	return func(s *RateLimiterService) { s.timeout = d }
}

// appliedRule é uma regra já resolvida para uma requisição
type appliedRule struct {
	rule   domain.Rule
	target domain.RuleTarget
	key    string
}

// ruleState é a leitura do contador de uma regra aplicada
type ruleState struct {
	applied  appliedRule
	count    int
	resetAt  time.Time
	rejected bool
}

// NewRateLimiterService cria uma nova instância do serviço
func NewRateLimiterService(
	storage domain.RateLimiterStorage,
	config *domain.RateLimitConfig,
	logger domain.Logger,
	opts ...Option,
) (*RateLimiterService, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", domain.ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &RateLimiterService{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.config.Store(config.Clone())

	return s, nil
}

// Enabled indica se o rate limiting está habilitado
func (s *RateLimiterService) Enabled() bool {
	return s.config.Load().Enabled
}

// Config retorna o snapshot atual da configuração. Não deve ser alterado.
func (s *RateLimiterService) Config() *domain.RateLimitConfig {
	return s.config.Load()
}

// Evaluate lê os contadores de todas as regras aplicáveis e decide.
// Não grava nenhum evento.
func (s *RateLimiterService) Evaluate(ctx context.Context, req domain.RequestInfo) (*domain.Decision, error) {
	cfg := s.config.Load()
	if decision := s.shortCircuit(cfg, req); decision != nil {
		return decision, nil
	}

	rules := s.applicableRules(cfg, req)
	if len(rules) == 0 {
		s.metrics.ObserveDecision("unlimited", "")
		return &domain.Decision{Allowed: true, Unlimited: true}, nil
	}

	states := make([]ruleState, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	for i := range rules {
		i := i
		states[i].applied = rules[i]
		g.Go(func() error {
			count, resetAt, err := s.read(gctx, rules[i].key, rules[i].rule.Window())
			if err != nil {
				return err
			}
			states[i].count = count
			states[i].resetAt = resetAt
			states[i].rejected = count >= rules[i].rule.EffectiveLimit()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.storageFailure("evaluate", req, err)
	}

	decision := s.decide(states)
	s.logDecision(ctx, "evaluate", req, decision)
	return decision, nil
}

// Record cobra a requisição em cada contador das regras aplicáveis.
// Deve ser chamado apenas para requisições já aceitas por Evaluate.
func (s *RateLimiterService) Record(ctx context.Context, req domain.RequestInfo) (*domain.Decision, error) {
	cfg := s.config.Load()
	if decision := s.shortCircuit(cfg, req); decision != nil {
		return decision, nil
	}

	rules := s.applicableRules(cfg, req)
	if len(rules) == 0 {
		return &domain.Decision{Allowed: true, Unlimited: true}, nil
	}

	counters := uniqueCounters(rules)
	counts := make([]int, len(counters))
	resets := make([]time.Time, len(counters))

	g, gctx := errgroup.WithContext(ctx)
	for i := range counters {
		i := i
		g.Go(func() error {
			count, err := s.increment(gctx, counters[i].Key, counters[i].Window)
			if err != nil {
				return err
			}
			resetAt, err := s.resetTime(gctx, counters[i].Key, counters[i].Window)
			if err != nil {
				return err
			}
			counts[i] = count
			resets[i] = resetAt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.storageFailure("record", req, err)
	}

	states := statesFromCounters(rules, counters, counts, resets, false)
	decision := s.decide(states)
	s.logDecision(ctx, "record", req, decision)
	return decision, nil
}

// Attempt decide e cobra numa única reserva atômica no storage: ou todos os
// contadores aplicáveis recebem o evento, ou nenhum recebe.
func (s *RateLimiterService) Attempt(ctx context.Context, req domain.RequestInfo) (*domain.Decision, error) {
	cfg := s.config.Load()
	if decision := s.shortCircuit(cfg, req); decision != nil {
		return decision, nil
	}

	rules := s.applicableRules(cfg, req)
	if len(rules) == 0 {
		s.metrics.ObserveDecision("unlimited", "")
		return &domain.Decision{Allowed: true, Unlimited: true}, nil
	}

	counters := uniqueCounters(rules)
	token := uuid.NewString()

	rctx, cancel := s.withTimeout(ctx)
	result, err := s.storage.Reserve(rctx, counters, token)
	cancel()
	if err != nil {
		return nil, s.storageFailure("attempt", req, err)
	}

	resets := make([]time.Time, len(counters))
	g, gctx := errgroup.WithContext(ctx)
	for i := range counters {
		i := i
		g.Go(func() error {
			resetAt, err := s.resetTime(gctx, counters[i].Key, counters[i].Window)
			if err != nil {
				return err
			}
			resets[i] = resetAt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.storageFailure("attempt", req, err)
	}

	states := statesFromCounters(rules, counters, result.Counts, resets, !result.Admitted)
	decision := s.decide(states)
	if result.Admitted {
		keys := make([]string, len(counters))
		for i, c := range counters {
			keys[i] = c.Key
		}
		decision.Reservation = &domain.Reservation{Token: token, Keys: keys}
	}

	s.logDecision(ctx, "attempt", req, decision)
	return decision, nil
}

// Refund estorna os eventos gravados por Attempt
func (s *RateLimiterService) Refund(ctx context.Context, decision *domain.Decision) error {
	if decision == nil || decision.Reservation == nil {
		return nil
	}

	rctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.storage.Release(rctx, decision.Reservation.Keys, decision.Reservation.Token); err != nil {
		return fmt.Errorf("failed to refund reservation: %w", wrapStorage(err))
	}

	if s.logger != nil {
		s.logger.WithContext(ctx).Debug("Reservation refunded", map[string]interface{}{
			"keys": len(decision.Reservation.Keys),
		})
	}
	return nil
}

// UsageStats lê contagem, limite efetivo e reset de cada regra do escopo
// que se aplica ao identificador
func (s *RateLimiterService) UsageStats(ctx context.Context, scope domain.Scope, identifier, endpoint string) (*domain.UsageReport, error) {
	if _, err := domain.ParseScope(string(scope)); err != nil {
		return nil, err
	}

	rules := s.rulesForIdentifier(s.config.Load(), scope, identifier, endpoint)
	report := &domain.UsageReport{
		Scope:      scope,
		Identifier: identifier,
		Entries:    make([]domain.UsageEntry, len(rules)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range rules {
		i := i
		g.Go(func() error {
			count, resetAt, err := s.read(gctx, rules[i].key, rules[i].rule.Window())
			if err != nil {
				return err
			}
			limit := rules[i].rule.EffectiveLimit()
			report.Entries[i] = domain.UsageEntry{
				RuleID:    rules[i].rule.ID,
				Scope:     rules[i].rule.Scope,
				Target:    rules[i].target,
				Count:     count,
				Limit:     limit,
				Remaining: remaining(limit, count),
				ResetAt:   resetAt,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to get usage stats: %w", wrapStorage(err))
	}

	return report, nil
}

// Reset limpa os contadores do identificador em todas as regras do escopo
func (s *RateLimiterService) Reset(ctx context.Context, scope domain.Scope, identifier, endpoint string) error {
	if _, err := domain.ParseScope(string(scope)); err != nil {
		return err
	}

	rules := s.rulesForIdentifier(s.config.Load(), scope, identifier, endpoint)
	cleared := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, done := cleared[r.key]; done {
			continue
		}
		rctx, cancel := s.withTimeout(ctx)
		err := s.storage.Clear(rctx, r.key)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reset key: %w", wrapStorage(err))
		}
		cleared[r.key] = struct{}{}
	}

	if s.logger != nil {
		s.logger.WithContext(ctx).Info("Rate limit reset", map[string]interface{}{
			"scope":      scope,
			"identifier": logger.MaskIdentifier(identifier),
			"counters":   len(cleared),
		})
	}
	return nil
}

// AddRule registra uma regra em tempo de execução. Afeta apenas as
// avaliações seguintes.
func (s *RateLimiterService) AddRule(target domain.RuleTarget, rule domain.Rule) (domain.Rule, error) {
	if target.Tenant != "" && target.Endpoint != "" {
		return domain.Rule{}, fmt.Errorf("%w: rule target must be either a tenant or an endpoint", domain.ErrInvalidRule)
	}
	if rule.ID == "" {
		rule.ID = domain.DefaultRuleID(target, rule)
	}
	if err := rule.Validate(); err != nil {
		return domain.Rule{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.config.Load().Clone()
	if _, _, found := findRule(next, rule.ID); found {
		return domain.Rule{}, fmt.Errorf("%w: %s", domain.ErrDuplicateRule, rule.ID)
	}

	switch {
	case target.Tenant != "":
		next.TenantRules[target.Tenant] = append(next.TenantRules[target.Tenant], rule)
	case target.Endpoint != "":
		next.EndpointRules[target.Endpoint] = append(next.EndpointRules[target.Endpoint], rule)
	default:
		next.Rules = append(next.Rules, rule)
	}
	s.config.Store(next)

	if s.logger != nil {
		s.logger.Info("Rule added", map[string]interface{}{
			"rule_id":  rule.ID,
			"scope":    rule.Scope,
			"requests": rule.RequestsAllowed,
			"window":   rule.WindowSeconds,
			"burst":    rule.Burst,
			"tenant":   logger.MaskIdentifier(target.Tenant),
			"endpoint": target.Endpoint,
		})
	}
	return rule, nil
}

// RemoveRule remove a regra com o ID informado de qualquer lista
func (s *RateLimiterService) RemoveRule(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.config.Load().Clone()
	target, index, found := findRule(next, id)
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}

	switch {
	case target.Tenant != "":
		next.TenantRules[target.Tenant] = removeAt(next.TenantRules[target.Tenant], index)
		if len(next.TenantRules[target.Tenant]) == 0 {
			delete(next.TenantRules, target.Tenant)
		}
	case target.Endpoint != "":
		next.EndpointRules[target.Endpoint] = removeAt(next.EndpointRules[target.Endpoint], index)
		if len(next.EndpointRules[target.Endpoint]) == 0 {
			delete(next.EndpointRules, target.Endpoint)
		}
	default:
		next.Rules = removeAt(next.Rules, index)
	}
	s.config.Store(next)

	if s.logger != nil {
		s.logger.Info("Rule removed", map[string]interface{}{"rule_id": id})
	}
	return nil
}

// Reload valida e instala uma configuração nova inteira
func (s *RateLimiterService) Reload(cfg *domain.RateLimitConfig) error {
	if cfg == nil {
		s.metrics.ObserveReload(false)
		return fmt.Errorf("%w: config cannot be nil", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		s.metrics.ObserveReload(false)
		return err
	}

	s.writeMu.Lock()
	s.config.Store(cfg.Clone())
	s.writeMu.Unlock()

	s.metrics.ObserveReload(true)
	if s.logger != nil {
		s.logger.Info("Rate limit configuration reloaded", map[string]interface{}{
			"enabled":        cfg.Enabled,
			"global_rules":   len(cfg.Rules),
			"tenant_rules":   len(cfg.TenantRules),
			"endpoint_rules": len(cfg.EndpointRules),
		})
	}
	return nil
}

// Health verifica se o storage está respondendo
func (s *RateLimiterService) Health(ctx context.Context) error {
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.storage.Health(rctx)
}

// shortCircuit trata configuração desabilitada e identidades isentas
// antes de qualquer chamada ao storage
func (s *RateLimiterService) shortCircuit(cfg *domain.RateLimitConfig, req domain.RequestInfo) *domain.Decision {
	if !cfg.Enabled {
		s.metrics.ObserveDecision("disabled", "")
		return &domain.Decision{Allowed: true, Unlimited: true}
	}
	if cfg.IsExemptIP(req.ClientIP) || cfg.IsExemptUser(req.UserID) {
		s.metrics.ObserveDecision("exempt", "")
		return &domain.Decision{Allowed: true, Unlimited: true}
	}
	return nil
}

// applicableRules monta o conjunto de regras da requisição: as globais
// (com as do endpoint substituindo as globais de mesmo escopo) mais as
// do tenant
func (s *RateLimiterService) applicableRules(cfg *domain.RateLimitConfig, req domain.RequestInfo) []appliedRule {
	var applied []appliedRule
	add := func(rule domain.Rule, target domain.RuleTarget) {
		value := scopeValue(rule.Scope, req)
		if value == "" {
			return
		}
		// overrides de endpoint contam separado por rota em qualquer escopo
		path := target.Endpoint
		if rule.Scope == domain.ScopeEndpoint {
			path = req.Endpoint
		}
		applied = append(applied, appliedRule{
			rule:   rule,
			target: target,
			key:    BuildCounterKey(rule.Scope, value, path, rule.WindowSeconds),
		})
	}

	overrides := cfg.EndpointRules[req.Endpoint]
	overridden := make(map[domain.Scope]bool, len(overrides))
	for _, rule := range overrides {
		overridden[rule.Scope] = true
	}

	for _, rule := range cfg.Rules {
		if !overridden[rule.Scope] {
			add(rule, domain.RuleTarget{})
		}
	}
	for _, rule := range overrides {
		add(rule, domain.RuleTarget{Endpoint: req.Endpoint})
	}
	if req.TenantID != "" {
		for _, rule := range cfg.TenantRules[req.TenantID] {
			add(rule, domain.RuleTarget{Tenant: req.TenantID})
		}
	}

	return applied
}

// rulesForIdentifier resolve todas as regras do escopo (globais, de
// endpoint e de tenant) para um identificador administrativo
func (s *RateLimiterService) rulesForIdentifier(cfg *domain.RateLimitConfig, scope domain.Scope, identifier, endpoint string) []appliedRule {
	var applied []appliedRule
	add := func(rule domain.Rule, target domain.RuleTarget) {
		if rule.Scope != scope || identifier == "" {
			return
		}
		if scope == domain.ScopeTenant && target.Tenant != "" && target.Tenant != identifier {
			return
		}

		path := target.Endpoint
		value := identifier
		if scope == domain.ScopeEndpoint {
			if path == "" {
				path = endpoint
			}
			if path == "" {
				return
			}
			value = endpointCaller(identifier)
		}

		applied = append(applied, appliedRule{
			rule:   rule,
			target: target,
			key:    BuildCounterKey(scope, value, path, rule.WindowSeconds),
		})
	}

	for _, rule := range cfg.Rules {
		add(rule, domain.RuleTarget{})
	}
	for _, path := range sortedRuleKeys(cfg.EndpointRules) {
		if endpoint != "" && path != endpoint {
			continue
		}
		for _, rule := range cfg.EndpointRules[path] {
			add(rule, domain.RuleTarget{Endpoint: path})
		}
	}
	for _, tenant := range sortedRuleKeys(cfg.TenantRules) {
		for _, rule := range cfg.TenantRules[tenant] {
			add(rule, domain.RuleTarget{Tenant: tenant})
		}
	}

	return applied
}

// decide agrega os estados: basta uma regra rejeitar para rejeitar tudo.
// O status reportado é o da regra com menor folga relativa ao limite
// entre as rejeitadas (ou entre todas, se nenhuma rejeitou).
func (s *RateLimiterService) decide(states []ruleState) *domain.Decision {
	anyRejected := false
	for i := range states {
		if states[i].rejected {
			anyRejected = true
			break
		}
	}

	var chosen *ruleState
	for i := range states {
		st := &states[i]
		if anyRejected && !st.rejected {
			continue
		}
		if chosen == nil || tighter(st, chosen, anyRejected) {
			chosen = st
		}
	}

	limit := chosen.applied.rule.EffectiveLimit()
	status := domain.QuotaStatus{
		Limit:     limit,
		Remaining: remaining(limit, chosen.count),
		ResetAt:   chosen.resetAt,
	}
	if anyRejected {
		retry := int(math.Ceil(chosen.resetAt.Sub(s.now()).Seconds()))
		if retry < 1 {
			retry = 1
		}
		status.RetryAfterSeconds = &retry
	}

	rule := chosen.applied.rule
	return &domain.Decision{
		Allowed: !anyRejected,
		Status:  status,
		Rule:    &rule,
	}
}

// tighter compara remaining/limit sem ponto flutuante. Entre rejeitadas
// empatadas vence a de reset mais distante, que é a que de fato bloqueia.
func tighter(a, b *ruleState, rejecting bool) bool {
	limA, limB := a.applied.rule.EffectiveLimit(), b.applied.rule.EffectiveLimit()
	left := remaining(limA, a.count) * limB
	right := remaining(limB, b.count) * limA
	if left != right {
		return left < right
	}
	return rejecting && a.resetAt.After(b.resetAt)
}

// uniqueCounters agrupa regras que compartilham a mesma chave; o limite do
// contador é o menor teto entre elas
func uniqueCounters(rules []appliedRule) []domain.Counter {
	index := make(map[string]int, len(rules))
	counters := make([]domain.Counter, 0, len(rules))
	for _, r := range rules {
		if i, ok := index[r.key]; ok {
			if limit := r.rule.EffectiveLimit(); limit < counters[i].Limit {
				counters[i].Limit = limit
			}
			continue
		}
		index[r.key] = len(counters)
		counters = append(counters, domain.Counter{
			Key:    r.key,
			Window: r.rule.Window(),
			Limit:  r.rule.EffectiveLimit(),
		})
	}
	return counters
}

func statesFromCounters(rules []appliedRule, counters []domain.Counter, counts []int, resets []time.Time, rejectedAtLimit bool) []ruleState {
	position := make(map[string]int, len(counters))
	for i, c := range counters {
		position[c.Key] = i
	}

	states := make([]ruleState, len(rules))
	for i, r := range rules {
		p := position[r.key]
		states[i] = ruleState{
			applied:  r,
			count:    counts[p],
			resetAt:  resets[p],
			rejected: rejectedAtLimit && counts[p] >= r.rule.EffectiveLimit(),
		}
	}
	return states
}

func (s *RateLimiterService) read(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.storage.Count(rctx, key, window)
	if err != nil {
		return 0, time.Time{}, err
	}
	resetAt, err := s.storage.ResetTime(rctx, key, window)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, resetAt, nil
}

func (s *RateLimiterService) increment(ctx context.Context, key string, window time.Duration) (int, error) {
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.storage.Increment(rctx, key, window)
}

func (s *RateLimiterService) resetTime(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.storage.ResetTime(rctx, key, window)
}

func (s *RateLimiterService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// storageFailure registra a falha e devolve um erro distinguível via
// errors.Is(err, domain.ErrStorageUnavailable)
func (s *RateLimiterService) storageFailure(operation string, req domain.RequestInfo, err error) error {
	s.metrics.ObserveDecision("error", "")
	if s.logger != nil {
		s.logger.Error("Rate limit storage failure", err, map[string]interface{}{
			"operation": operation,
			"client_ip": req.ClientIP,
			"user_id":   logger.MaskIdentifier(req.UserID),
			"endpoint":  req.Endpoint,
		})
	}
	return fmt.Errorf("failed to %s rate limit: %w", operation, wrapStorage(err))
}

func (s *RateLimiterService) logDecision(ctx context.Context, operation string, req domain.RequestInfo, decision *domain.Decision) {
	scope := ""
	if decision.Rule != nil {
		scope = string(decision.Rule.Scope)
	}

	outcome := "allowed"
	if !decision.Allowed {
		outcome = "rejected"
	}
	if operation != "record" {
		s.metrics.ObserveDecision(outcome, scope)
	}

	if s.logger == nil {
		return
	}

	fields := map[string]interface{}{
		"operation": operation,
		"client_ip": req.ClientIP,
		"user_id":   logger.MaskIdentifier(req.UserID),
		"tenant_id": logger.MaskIdentifier(req.TenantID),
		"endpoint":  req.Endpoint,
		"scope":     scope,
		"limit":     decision.Status.Limit,
		"remaining": decision.Status.Remaining,
	}
	if decision.Rule != nil {
		fields["rule_id"] = decision.Rule.ID
	}

	log := s.logger.WithContext(ctx)
	if !decision.Allowed {
		fields["retry_after"] = *decision.Status.RetryAfterSeconds
		log.Info("Request rate limited", fields)
		return
	}
	log.Debug("Request allowed", fields)
}

func wrapStorage(err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}

func findRule(cfg *domain.RateLimitConfig, id string) (domain.RuleTarget, int, bool) {
	for i, rule := range cfg.Rules {
		if rule.ID == id {
			return domain.RuleTarget{}, i, true
		}
	}
	for tenant, rules := range cfg.TenantRules {
		for i, rule := range rules {
			if rule.ID == id {
				return domain.RuleTarget{Tenant: tenant}, i, true
			}
		}
	}
	for endpoint, rules := range cfg.EndpointRules {
		for i, rule := range rules {
			if rule.ID == id {
				return domain.RuleTarget{Endpoint: endpoint}, i, true
			}
		}
	}
	return domain.RuleTarget{}, 0, false
}

// removeAt devolve uma slice nova, sem tocar na original compartilhada
func removeAt(rules []domain.Rule, index int) []domain.Rule {
	out := make([]domain.Rule, 0, len(rules)-1)
	out = append(out, rules[:index]...)
	return append(out, rules[index+1:]...)
}

// endpointCaller converte o identificador administrativo no mesmo formato
// usado por scopeValue para regras de endpoint
func endpointCaller(identifier string) string {
	if net.ParseIP(identifier) != nil {
		return "ip:" + identifier
	}
	return "user:" + identifier
}

func sortedRuleKeys(m map[string][]domain.Rule) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ domain.RateLimiterService = (*RateLimiterService)(nil)
