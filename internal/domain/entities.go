package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scope define a dimensão contra a qual uma cota é contada
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeTenant   Scope = "tenant"
	ScopeEndpoint Scope = "endpoint"
)

// ParseScope converte uma string (case-insensitive) em Scope
func ParseScope(value string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopeIP:
		return ScopeIP, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeTenant:
		return ScopeTenant, nil
	case ScopeEndpoint:
		return ScopeEndpoint, nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, value)
	}
}

// Rule descreve uma cota. É um valor imutável: nunca é alterado depois de
// instalado na configuração, apenas substituído junto com a lista inteira.
type Rule struct {
	ID              string `json:"id" yaml:"id"`
	RequestsAllowed int    `json:"requests" yaml:"requests"`
	WindowSeconds   int    `json:"window" yaml:"window"`
	Scope           Scope  `json:"scope" yaml:"scope"`
	Burst           int    `json:"burst" yaml:"burst"`
}

// NewRule cria uma regra validada
func NewRule(id string, requestsAllowed, windowSeconds int, scope Scope, burst int) (Rule, error) {
	rule := Rule{
		ID:              id,
		RequestsAllowed: requestsAllowed,
		WindowSeconds:   windowSeconds,
		Scope:           scope,
		Burst:           burst,
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Validate verifica as invariantes da regra
func (r Rule) Validate() error {
	if r.RequestsAllowed <= 0 {
		return fmt.Errorf("%w: requests must be greater than 0, got %d", ErrInvalidRule, r.RequestsAllowed)
	}
	if r.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window must be greater than 0, got %d", ErrInvalidRule, r.WindowSeconds)
	}
	if r.Burst < 0 {
		return fmt.Errorf("%w: burst must not be negative, got %d", ErrInvalidRule, r.Burst)
	}
	if _, err := ParseScope(string(r.Scope)); err != nil {
		return err
	}
	return nil
}

// EffectiveLimit é o teto real da regra (requests + burst)
func (r Rule) EffectiveLimit() int {
	return r.RequestsAllowed + r.Burst
}

// Window retorna a janela como time.Duration
func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// RuleTarget indica onde uma regra está registrada.
// Tenant e Endpoint vazios significam regra global.
type RuleTarget struct {
	Tenant   string `json:"tenant,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// IsGlobal indica se o alvo é a lista global
func (t RuleTarget) IsGlobal() bool {
	return t.Tenant == "" && t.Endpoint == ""
}

// DefaultRuleID gera um ID estável para regras sem ID explícito
func DefaultRuleID(target RuleTarget, rule Rule) string {
	base := fmt.Sprintf("%s-%d-%ds", rule.Scope, rule.RequestsAllowed, rule.WindowSeconds)
	if rule.Burst > 0 {
		base = fmt.Sprintf("%s-b%d", base, rule.Burst)
	}
	switch {
	case target.Tenant != "":
		return "tenant:" + target.Tenant + ":" + base
	case target.Endpoint != "":
		return "endpoint:" + target.Endpoint + ":" + base
	default:
		return base
	}
}

// RateLimitConfig representa toda a configuração ativa do limiter.
// Nunca é editada campo a campo: recargas trocam o ponteiro inteiro.
type RateLimitConfig struct {
	Enabled       bool                `json:"enabled"`
	Rules         []Rule              `json:"rules"`
	ExemptIPs     map[string]struct{} `json:"-"`
	ExemptUserIDs map[string]struct{} `json:"-"`
	TenantRules   map[string][]Rule   `json:"tenantRules"`
	EndpointRules map[string][]Rule   `json:"endpointRules"`
}

// NewRateLimitConfig cria uma configuração vazia e habilitada
func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:       true,
		ExemptIPs:     make(map[string]struct{}),
		ExemptUserIDs: make(map[string]struct{}),
		TenantRules:   make(map[string][]Rule),
		EndpointRules: make(map[string][]Rule),
	}
}

// IsExemptIP verifica se o IP está isento
func (c *RateLimitConfig) IsExemptIP(ip string) bool {
	if ip == "" {
		return false
	}
	_, ok := c.ExemptIPs[ip]
	return ok
}

// IsExemptUser verifica se o usuário está isento
func (c *RateLimitConfig) IsExemptUser(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := c.ExemptUserIDs[userID]
	return ok
}

// Validate valida todas as regras e garante IDs únicos
func (c *RateLimitConfig) Validate() error {
	seen := make(map[string]struct{})
	check := func(where string, rules []Rule) error {
		for _, rule := range rules {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("%w: %s rule %q: %w", ErrInvalidConfig, where, rule.ID, err)
			}
			if rule.ID == "" {
				return fmt.Errorf("%w: %s rule without id", ErrInvalidConfig, where)
			}
			if _, dup := seen[rule.ID]; dup {
				return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidConfig, rule.ID)
			}
			seen[rule.ID] = struct{}{}
		}
		return nil
	}

	if err := check("global", c.Rules); err != nil {
		return err
	}
	for _, tenant := range sortedKeys(c.TenantRules) {
		if err := check("tenant "+tenant, c.TenantRules[tenant]); err != nil {
			return err
		}
	}
	for _, endpoint := range sortedKeys(c.EndpointRules) {
		if err := check("endpoint "+endpoint, c.EndpointRules[endpoint]); err != nil {
			return err
		}
	}
	return nil
}

// Clone faz uma cópia profunda, usada para copy-on-write nas alterações
func (c *RateLimitConfig) Clone() *RateLimitConfig {
	clone := &RateLimitConfig{
		Enabled:       c.Enabled,
		Rules:         append([]Rule(nil), c.Rules...),
		ExemptIPs:     make(map[string]struct{}, len(c.ExemptIPs)),
		ExemptUserIDs: make(map[string]struct{}, len(c.ExemptUserIDs)),
		TenantRules:   make(map[string][]Rule, len(c.TenantRules)),
		EndpointRules: make(map[string][]Rule, len(c.EndpointRules)),
	}
	for ip := range c.ExemptIPs {
		clone.ExemptIPs[ip] = struct{}{}
	}
	for id := range c.ExemptUserIDs {
		clone.ExemptUserIDs[id] = struct{}{}
	}
	for tenant, rules := range c.TenantRules {
		clone.TenantRules[tenant] = append([]Rule(nil), rules...)
	}
	for endpoint, rules := range c.EndpointRules {
		clone.EndpointRules[endpoint] = append([]Rule(nil), rules...)
	}
	return clone
}

// QuotaStatus representa o estado da cota reportado ao cliente
type QuotaStatus struct {
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"resetAt"`
	RetryAfterSeconds *int      `json:"retryAfterSeconds,omitempty"`
}

// Reservation identifica os eventos gravados por uma admissão atômica,
// permitindo estornar a cobrança depois
type Reservation struct {
	Token string   `json:"token"`
	Keys  []string `json:"keys"`
}

// Decision é o veredito do limiter para uma requisição
type Decision struct {
	Allowed bool        `json:"allowed"`
	Status  QuotaStatus `json:"status"`
	// Rule é a regra cujo status foi reportado (nil quando ilimitado)
	Rule *Rule `json:"rule,omitempty"`
	// Unlimited indica que nenhuma cota se aplica (desabilitado, isento ou sem regras)
	Unlimited   bool         `json:"unlimited"`
	Reservation *Reservation `json:"-"`
}

// RequestInfo contém os atributos de escopo extraídos da requisição
type RequestInfo struct {
	ClientIP string
	UserID   string
	TenantID string
	Endpoint string
}

// UsageEntry descreve o uso atual de uma regra
type UsageEntry struct {
	RuleID    string     `json:"ruleId"`
	Scope     Scope      `json:"scope"`
	Target    RuleTarget `json:"target"`
	Count     int        `json:"count"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetAt   time.Time  `json:"resetAt"`
}

// UsageReport agrega o uso de todas as regras de um identificador
type UsageReport struct {
	Scope      Scope        `json:"scope"`
	Identifier string       `json:"identifier"`
	Entries    []UsageEntry `json:"entries"`
}

// Counter é a unidade que o storage avalia numa reserva atômica
type Counter struct {
	Key    string
	Window time.Duration
	Limit  int
}

// ReserveResult é o resultado de uma reserva atômica no storage.
// Counts segue a ordem dos contadores recebidos.
type ReserveResult struct {
	Admitted bool
	Counts   []int
}

func sortedKeys(m map[string][]Rule) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
