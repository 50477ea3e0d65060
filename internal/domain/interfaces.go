package domain

import (
	"context"
	"time"
)

// RateLimiterStorage define a interface para armazenamento dos contadores.
// Implementa o Strategy Pattern: memória local ou Redis compartilhado.
// Todas as operações são seguras para chamadas concorrentes.
type RateLimiterStorage interface {
	// Count retorna quantos eventos da chave têm idade menor que window.
	// Chave nunca vista retorna 0.
	Count(ctx context.Context, key string, window time.Duration) (int, error)

	// Increment grava um evento agora e retorna a nova contagem
	Increment(ctx context.Context, key string, window time.Duration) (int, error)

	// ResetTime retorna quando o próximo evento sai da janela
	// (agora + window quando não há eventos)
	ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error)

	// Clear descarta todos os eventos da chave
	Clear(ctx context.Context, key string) error

	// Reserve verifica todos os contadores e só grava um evento (com o token)
	// em cada um se nenhum estiver no teto, numa única operação atômica
	Reserve(ctx context.Context, counters []Counter, token string) (*ReserveResult, error)

	// Release remove os eventos gravados com o token
	Release(ctx context.Context, keys []string, token string) error

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error

	// Close libera os recursos do storage
	Close() error
}

// RateLimiterService define a interface para o serviço de rate limiting
// Separação da lógica do middleware
type RateLimiterService interface {
	// Enabled indica se o rate limiting está habilitado na configuração atual
	Enabled() bool

	// Evaluate apenas lê os contadores e decide; não grava nada
	Evaluate(ctx context.Context, req RequestInfo) (*Decision, error)

	// Record cobra a requisição em todas as regras aplicáveis
	Record(ctx context.Context, req RequestInfo) (*Decision, error)

	// Attempt decide e cobra numa única operação atômica no storage
	Attempt(ctx context.Context, req RequestInfo) (*Decision, error)

	// Refund estorna a cobrança feita por Attempt
	Refund(ctx context.Context, decision *Decision) error

	// UsageStats retorna o uso de cada regra do escopo para o identificador
	UsageStats(ctx context.Context, scope Scope, identifier, endpoint string) (*UsageReport, error)

	// Reset limpa os contadores do identificador no escopo
	Reset(ctx context.Context, scope Scope, identifier, endpoint string) error

	// AddRule registra uma regra em tempo de execução
	AddRule(target RuleTarget, rule Rule) (Rule, error)

	// RemoveRule remove uma regra pelo ID
	RemoveRule(id string) error

	// Config retorna o snapshot atual (somente leitura)
	Config() *RateLimitConfig

	// Reload troca a configuração inteira de forma atômica
	Reload(cfg *RateLimitConfig) error

	// Health verifica o storage
	Health(ctx context.Context) error
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}

// ConfigLoader define a interface para carregamento de configurações
type ConfigLoader interface {
	LoadConfig() (*RateLimitConfig, error)
	Reload() (*RateLimitConfig, error)
}
