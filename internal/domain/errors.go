package domain

import "errors"

var (
	// ErrInvalidRule indica uma regra malformada (janela ou limite não positivos)
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInvalidConfig indica uma configuração rejeitada na carga ou recarga
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrRuleNotFound indica que o ID da regra não existe
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule indica que já existe regra com o mesmo ID
	ErrDuplicateRule = errors.New("duplicate rule id")

	// ErrStorageUnavailable indica falha no backend de contadores. O gateway
	// usa esse erro para aplicar a política fail-open/fail-closed.
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")
)
