package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"quota-gateway/internal/domain"
	"quota-gateway/internal/metrics"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultMemoryShards    = 32
	defaultCleanupInterval = time.Minute
)

// MemoryStorage implementa domain.RateLimiterStorage em memória com
// sliding window log. As chaves são distribuídas em shards, cada um com
// seu próprio mutex, para que uma chave quente não serialize as demais.
type MemoryStorage struct {
	shards          []*memoryShard
	logger          domain.Logger
	metrics         *metrics.Collector
	now             func() time.Time
	cleanupInterval time.Duration
	stop            chan struct{}
	closeOnce       sync.Once
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*eventLog
}

// eventLog mantém os eventos de uma chave em ordem de chegada
type eventLog struct {
	events    []event
	expiresAt time.Time
}

type event struct {
	at    time.Time
	token string
}

// MemoryOption configura o MemoryStorage
type MemoryOption func(*MemoryStorage)

// WithShards define a quantidade de shards
func WithShards(n int) MemoryOption {
	return func(m *MemoryStorage) {
		if n > 0 {
			m.shards = make([]*memoryShard, n)
		}
	}
}

// WithClock substitui o relógio (usado nos testes de janela)
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStorage) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCleanupInterval define a frequência da limpeza de chaves expiradas.
// Zero desliga a goroutine de limpeza.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStorage) { m.cleanupInterval = d }
}

// WithMemoryMetrics liga a instrumentação Prometheus
func WithMemoryMetrics(c *metrics.Collector) MemoryOption {
	return func(m *MemoryStorage) { m.metrics = c }
}

// NewMemoryStorage cria uma nova instância do MemoryStorage
func NewMemoryStorage(logger domain.Logger, opts ...MemoryOption) *MemoryStorage {
	storage := &MemoryStorage{
		shards:          make([]*memoryShard, defaultMemoryShards),
		logger:          logger,
		now:             time.Now,
		cleanupInterval: defaultCleanupInterval,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(storage)
	}
	for i := range storage.shards {
		storage.shards[i] = &memoryShard{entries: make(map[string]*eventLog)}
	}

	if storage.cleanupInterval > 0 {
		go storage.cleanup()
	}

	if logger != nil {
		logger.Info("Memory storage initialized", map[string]interface{}{
			"shards": len(storage.shards),
		})
	}

	return storage
}

// Count retorna a quantidade de eventos dentro da janela
func (m *MemoryStorage) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return 0, m.fail("COUNT", key, start, err)
	}

	shard := m.shardFor(key)
	shard.mu.Lock()
	count := shard.prune(key, m.now(), window)
	shard.mu.Unlock()

	m.logStorageOperation("COUNT", key, start, nil)
	return count, nil
}

// Increment grava um evento e retorna a nova contagem
func (m *MemoryStorage) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return 0, m.fail("INCREMENT", key, start, err)
	}

	shard := m.shardFor(key)
	shard.mu.Lock()
	now := m.now()
	shard.prune(key, now, window)
	count := shard.add(key, now, window, "")
	shard.mu.Unlock()

	m.logStorageOperation("INCREMENT", key, start, nil)
	return count, nil
}

// ResetTime retorna quando o evento mais antigo sai da janela
func (m *MemoryStorage) ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return time.Time{}, m.fail("RESET_TIME", key, start, err)
	}

	shard := m.shardFor(key)
	shard.mu.Lock()
	now := m.now()
	resetAt := now.Add(window)
	if shard.prune(key, now, window) > 0 {
		resetAt = shard.entries[key].events[0].at.Add(window)
	}
	shard.mu.Unlock()

	m.logStorageOperation("RESET_TIME", key, start, nil)
	return resetAt, nil
}

// Clear limpa os dados de uma chave
func (m *MemoryStorage) Clear(ctx context.Context, key string) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return m.fail("CLEAR", key, start, err)
	}

	shard := m.shardFor(key)
	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()

	m.logStorageOperation("CLEAR", key, start, nil)
	return nil
}

// Reserve verifica e incrementa todos os contadores atomicamente.
// Os shards envolvidos são travados em ordem crescente de índice para
// evitar deadlock entre reservas concorrentes.
func (m *MemoryStorage) Reserve(ctx context.Context, counters []domain.Counter, token string) (*domain.ReserveResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, m.fail("RESERVE", "", start, err)
	}

	indexes := make([]int, 0, len(counters))
	seen := make(map[int]struct{}, len(counters))
	for _, c := range counters {
		idx := m.shardIndex(c.Key)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		m.shards[idx].mu.Lock()
	}
	defer func() {
		for i := len(indexes) - 1; i >= 0; i-- {
			m.shards[indexes[i]].mu.Unlock()
		}
	}()

	now := m.now()
	result := &domain.ReserveResult{Admitted: true, Counts: make([]int, len(counters))}
	for i, c := range counters {
		result.Counts[i] = m.shardFor(c.Key).prune(c.Key, now, c.Window)
		if result.Counts[i] >= c.Limit {
			result.Admitted = false
		}
	}

	if result.Admitted {
		for i, c := range counters {
			result.Counts[i] = m.shardFor(c.Key).add(c.Key, now, c.Window, token)
		}
	}

	m.logStorageOperation("RESERVE", "", start, nil)
	return result, nil
}

// Release remove os eventos gravados com o token
func (m *MemoryStorage) Release(ctx context.Context, keys []string, token string) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return m.fail("RELEASE", "", start, err)
	}
	if token == "" {
		return nil
	}

	for _, key := range keys {
		shard := m.shardFor(key)
		shard.mu.Lock()
		if log, ok := shard.entries[key]; ok {
			kept := log.events[:0]
			for _, ev := range log.events {
				if ev.token != token {
					kept = append(kept, ev)
				}
			}
			log.events = kept
			if len(log.events) == 0 {
				delete(shard.entries, key)
			}
		}
		shard.mu.Unlock()
	}

	m.logStorageOperation("RELEASE", "", start, nil)
	return nil
}

// Health verifica se o storage está saudável
func (m *MemoryStorage) Health(ctx context.Context) error {
	if m.logger != nil {
		m.logger.Debug("Memory storage health check", m.GetStats())
	}
	return ctx.Err()
}

// Close para a limpeza e descarta todos os dados
func (m *MemoryStorage) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		for _, shard := range m.shards {
			shard.mu.Lock()
			shard.entries = make(map[string]*eventLog)
			shard.mu.Unlock()
		}
		if m.logger != nil {
			m.logger.Info("Memory storage closed", nil)
		}
	})
	return nil
}

// GetStats retorna estatísticas do storage em memória
func (m *MemoryStorage) GetStats() map[string]interface{} {
	keys := 0
	events := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		keys += len(shard.entries)
		for _, log := range shard.entries {
			events += len(log.events)
		}
		shard.mu.Unlock()
	}

	return map[string]interface{}{
		"keys":   keys,
		"events": events,
		"shards": len(m.shards),
		"type":   "memory",
	}
}

// cleanup remove entradas expiradas periodicamente
func (m *MemoryStorage) cleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanupExpiredEntries()
		}
	}
}

// cleanupExpiredEntries remove chaves sem eventos dentro da janela
func (m *MemoryStorage) cleanupExpiredEntries() int {
	now := m.now()
	removed := 0

	for _, shard := range m.shards {
		shard.mu.Lock()
		for key, log := range shard.entries {
			if !now.Before(log.expiresAt) {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("Memory storage cleanup completed", map[string]interface{}{
			"removed_keys": removed,
		})
	}
	return removed
}

func (m *MemoryStorage) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(m.shards)))
}

func (m *MemoryStorage) shardFor(key string) *memoryShard {
	return m.shards[m.shardIndex(key)]
}

// prune descarta eventos com idade >= window e retorna quantos restam.
// Chamador deve segurar s.mu.
func (s *memoryShard) prune(key string, now time.Time, window time.Duration) int {
	log, ok := s.entries[key]
	if !ok {
		return 0
	}

	cutoff := now.Add(-window)
	drop := 0
	for drop < len(log.events) && !log.events[drop].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		log.events = append(log.events[:0], log.events[drop:]...)
	}

	if len(log.events) == 0 {
		delete(s.entries, key)
		return 0
	}
	return len(log.events)
}

// add grava um evento e retorna a nova contagem. Chamador deve segurar s.mu.
func (s *memoryShard) add(key string, now time.Time, window time.Duration, token string) int {
	log, ok := s.entries[key]
	if !ok {
		log = &eventLog{}
		s.entries[key] = log
	}
	log.events = append(log.events, event{at: now, token: token})
	log.expiresAt = now.Add(window)
	return len(log.events)
}

func (m *MemoryStorage) fail(operation, key string, start time.Time, err error) error {
	m.logStorageOperation(operation, key, start, err)
	return err
}

// logStorageOperation registra operações de storage
func (m *MemoryStorage) logStorageOperation(operation, key string, start time.Time, err error) {
	elapsed := time.Since(start)
	m.metrics.ObserveStorage("memory", operation, elapsed, err)

	if m.logger == nil {
		return
	}

	fields := map[string]interface{}{
		"operation":  operation,
		"key":        key,
		"latency_ms": elapsed.Seconds() * 1000,
	}
	if err != nil {
		m.logger.Error("Storage operation failed", err, fields)
		return
	}
	m.logger.Debug("Storage operation completed", fields)
}
