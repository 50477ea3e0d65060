package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"quota-gateway/internal/domain"

	"gopkg.in/yaml.v3"
)

// RulesFile representa a estrutura do arquivo de regras (YAML ou JSON)
type RulesFile struct {
	Enabled       *bool                    `yaml:"enabled"`
	Rules         []domain.Rule            `yaml:"rules"`
	ExemptIPs     []string                 `yaml:"exempt_ips"`
	ExemptUserIDs []string                 `yaml:"exempt_user_ids"`
	Tenants       map[string][]domain.Rule `yaml:"tenants"`
	Endpoints     map[string][]domain.Rule `yaml:"endpoints"`
}

// ParseRulesFile decodifica o conteúdo do arquivo. Campos desconhecidos
// são erro, para que um typo não desligue uma regra em silêncio.
func ParseRulesFile(data []byte) (*RulesFile, error) {
	file := &RulesFile{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	return file, nil
}

// LoadRulesFile lê o arquivo de regras. Retorna nil (sem erro) quando o
// caminho é vazio ou o arquivo não existe.
func LoadRulesFile(path string) (*RulesFile, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	return ParseRulesFile(data)
}

// BuildRateLimitConfig combina as variáveis de ambiente com o arquivo de
// regras. Sem arquivo (ou sem a chave rules) a lista global é uma única
// regra por IP montada a partir de DEFAULT_IP_LIMIT/RATE_WINDOW/DEFAULT_BURST.
func BuildRateLimitConfig(config *Config, file *RulesFile) (*domain.RateLimitConfig, error) {
	cfg := domain.NewRateLimitConfig()
	cfg.Enabled = config.RateLimitEnabled

	for _, ip := range config.ExemptIPs {
		cfg.ExemptIPs[ip] = struct{}{}
	}
	for _, id := range config.ExemptUserIDs {
		cfg.ExemptUserIDs[id] = struct{}{}
	}

	if file == nil || file.Rules == nil {
		defaultRule := domain.Rule{
			RequestsAllowed: config.DefaultIPLimit,
			WindowSeconds:   config.RateWindow,
			Scope:           domain.ScopeIP,
			Burst:           config.DefaultBurst,
		}
		defaultRule.ID = domain.DefaultRuleID(domain.RuleTarget{}, defaultRule)
		cfg.Rules = []domain.Rule{defaultRule}
	}

	if file != nil {
		if file.Enabled != nil {
			cfg.Enabled = cfg.Enabled && *file.Enabled
		}
		for _, ip := range file.ExemptIPs {
			cfg.ExemptIPs[ip] = struct{}{}
		}
		for _, id := range file.ExemptUserIDs {
			cfg.ExemptUserIDs[id] = struct{}{}
		}

		var err error
		if file.Rules != nil {
			if cfg.Rules, err = normalizeRules(domain.RuleTarget{}, file.Rules); err != nil {
				return nil, err
			}
		}
		for tenant, rules := range file.Tenants {
			if cfg.TenantRules[tenant], err = normalizeRules(domain.RuleTarget{Tenant: tenant}, rules); err != nil {
				return nil, err
			}
		}
		for endpoint, rules := range file.Endpoints {
			if cfg.EndpointRules[endpoint], err = normalizeRules(domain.RuleTarget{Endpoint: endpoint}, rules); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeRules aceita o escopo em qualquer caixa e gera IDs ausentes
func normalizeRules(target domain.RuleTarget, rules []domain.Rule) ([]domain.Rule, error) {
	out := make([]domain.Rule, 0, len(rules))
	for _, rule := range rules {
		scope, err := domain.ParseScope(string(rule.Scope))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
		}
		rule.Scope = scope
		if rule.ID == "" {
			rule.ID = domain.DefaultRuleID(target, rule)
		}
		out = append(out, rule)
	}
	return out, nil
}
