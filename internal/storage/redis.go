package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"quota-gateway/internal/domain"
	"quota-gateway/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// reserveScript verifica todos os contadores e só grava o evento em cada
// um se nenhum estiver no teto. Roda inteiro dentro do Redis, então nenhum
// outro cliente observa o estado intermediário.
//
// ARGV[1] = score (µs), ARGV[2] = token; para cada KEYS[i]:
// ARGV[3i] = cutoff, ARGV[3i+1] = limite, ARGV[3i+2] = ttl em ms
var reserveScript = redis.NewScript(`
local score = ARGV[1]
local token = ARGV[2]
local counts = {}
local admitted = 1

for i, key in ipairs(KEYS) do
	redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[3 * i])
	local n = redis.call('ZCARD', key)
	counts[i] = n
	if n >= tonumber(ARGV[3 * i + 1]) then
		admitted = 0
	end
end

if admitted == 1 then
	for i, key in ipairs(KEYS) do
		redis.call('ZADD', key, score, token)
		redis.call('PEXPIRE', key, ARGV[3 * i + 2])
		counts[i] = counts[i] + 1
	end
end

local result = {admitted}
for i = 1, #counts do
	result[i + 1] = counts[i]
end
return result
`)

// RedisStorage implementa a interface domain.RateLimiterStorage usando
// sorted sets do Redis: cada evento é um membro com o timestamp como score
type RedisStorage struct {
	client  redis.Cmdable
	logger  domain.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// RedisOption configura o RedisStorage
type RedisOption func(*RedisStorage)

// WithRedisClock substitui o relógio (usado nos testes de janela)
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisStorage) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRedisMetrics liga a instrumentação Prometheus
func WithRedisMetrics(c *metrics.Collector) RedisOption {
	return func(r *RedisStorage) { r.metrics = c }
}

// NewRedisStorage cria uma nova instância do RedisStorage
func NewRedisStorage(host, port, password string, db int, logger domain.Logger, opts ...RedisOption) (*RedisStorage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Configurações de performance
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	// Testa a conexão
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", domain.ErrStorageUnavailable, err)
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": host,
			"port": port,
			"db":   db,
		})
	}

	return NewRedisStorageFromClient(rdb, logger, opts...), nil
}

// NewRedisStorageFromClient cria o storage sobre um cliente já configurado
func NewRedisStorageFromClient(client redis.Cmdable, logger domain.Logger, opts ...RedisOption) *RedisStorage {
	storage := &RedisStorage{
		client: client,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(storage)
	}
	return storage
}

// Count remove os eventos fora da janela e lê a cardinalidade
func (r *RedisStorage) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	start := time.Now()
	now := r.now()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoffScore(now, window))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, r.fail("COUNT", key, start, err)
	}

	r.logStorageOperation("COUNT", key, start, nil)
	return int(card.Val()), nil
}

// Increment executa remove + add + expire + card numa transação MULTI/EXEC
func (r *RedisStorage) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	start := time.Now()
	now := r.now()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoffScore(now, window))
		pipe.ZAdd(ctx, key, &redis.Z{Score: eventScore(now), Member: uuid.NewString()})
		pipe.Expire(ctx, key, window)
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, r.fail("INCREMENT", key, start, err)
	}

	r.logStorageOperation("INCREMENT", key, start, nil)
	return int(card.Val()), nil
}

// ResetTime lê o score do membro mais antigo ainda dentro da janela
func (r *RedisStorage) ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	start := time.Now()
	now := r.now()

	oldest, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   "(" + cutoffScore(now, window),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, r.fail("RESET_TIME", key, start, err)
	}

	r.logStorageOperation("RESET_TIME", key, start, nil)
	if len(oldest) == 0 {
		return now.Add(window), nil
	}
	return time.UnixMicro(int64(oldest[0].Score)).Add(window), nil
}

// Clear limpa os dados de uma chave
func (r *RedisStorage) Clear(ctx context.Context, key string) error {
	start := time.Now()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return r.fail("CLEAR", key, start, err)
	}

	r.logStorageOperation("CLEAR", key, start, nil)
	return nil
}

// Reserve executa o check-and-increment de todos os contadores num único
// script Lua. Em Redis Cluster as chaves precisam estar no mesmo slot.
func (r *RedisStorage) Reserve(ctx context.Context, counters []domain.Counter, token string) (*domain.ReserveResult, error) {
	start := time.Now()
	if len(counters) == 0 {
		return &domain.ReserveResult{Admitted: true}, nil
	}

	now := r.now()
	keys := make([]string, len(counters))
	args := make([]interface{}, 0, 2+3*len(counters))
	args = append(args, strconv.FormatInt(now.UnixMicro(), 10), token)
	for i, c := range counters {
		keys[i] = c.Key
		args = append(args, cutoffScore(now, c.Window), c.Limit, c.Window.Milliseconds())
	}

	raw, err := reserveScript.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, r.fail("RESERVE", "", start, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != len(counters)+1 {
		return nil, r.fail("RESERVE", "", start, fmt.Errorf("unexpected reserve reply %T", raw))
	}

	result := &domain.ReserveResult{Counts: make([]int, len(counters))}
	admitted, _ := values[0].(int64)
	result.Admitted = admitted == 1
	for i := range counters {
		n, _ := values[i+1].(int64)
		result.Counts[i] = int(n)
	}

	r.logStorageOperation("RESERVE", "", start, nil)
	return result, nil
}

// Release remove o membro do token de cada chave
func (r *RedisStorage) Release(ctx context.Context, keys []string, token string) error {
	start := time.Now()
	if token == "" || len(keys) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.ZRem(ctx, key, token)
		}
		return nil
	})
	if err != nil {
		return r.fail("RELEASE", "", start, err)
	}

	r.logStorageOperation("RELEASE", "", start, nil)
	return nil
}

// Health verifica se o storage está saudável
func (r *RedisStorage) Health(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.fail("HEALTH", "ping", start, err)
	}

	r.logStorageOperation("HEALTH", "ping", start, nil)
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisStorage) Close() error {
	client, ok := r.client.(*redis.Client)
	if !ok {
		return nil
	}
	if err := client.Close(); err != nil {
		if r.logger != nil {
			r.logger.Error("Failed to close Redis connection", err, nil)
		}
		return err
	}
	if r.logger != nil {
		r.logger.Info("Redis connection closed", nil)
	}
	return nil
}

// eventScore usa microssegundos: cabe sem perda num float64
func eventScore(now time.Time) float64 {
	return float64(now.UnixMicro())
}

// cutoffScore é o maior score que já saiu da janela (idade >= window)
func cutoffScore(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Add(-window).UnixMicro(), 10)
}

func (r *RedisStorage) fail(operation, key string, start time.Time, err error) error {
	r.logStorageOperation(operation, key, start, err)
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, operation, err)
}

// logStorageOperation registra operações de storage
func (r *RedisStorage) logStorageOperation(operation, key string, start time.Time, err error) {
	elapsed := time.Since(start)
	r.metrics.ObserveStorage("redis", operation, elapsed, err)

	if r.logger == nil {
		return
	}

	fields := map[string]interface{}{
		"operation":  operation,
		"key":        key,
		"latency_ms": elapsed.Seconds() * 1000,
	}
	if err != nil {
		r.logger.Error("Storage operation failed", err, fields)
		return
	}
	r.logger.Debug("Storage operation completed", fields)
}
