package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"quota-gateway/internal/domain"
)

const keyPrefix = "rate_limit"

// BuildCounterKey deriva a chave do contador a partir da tupla
// (escopo, valor, endpoint, janela). O valor nunca é gravado em claro:
// a chave carrega apenas o escopo e o SHA-256 da tupla.
// Endpoint vazio indica um contador que não é separado por rota.
func BuildCounterKey(scope domain.Scope, value, endpoint string, windowSeconds int) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(value))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(windowSeconds)))

	return keyPrefix + ":" + string(scope) + ":" + hex.EncodeToString(h.Sum(nil))
}

// scopeValue resolve o valor contado por uma regra para a requisição.
// Retorna vazio quando a regra não se aplica (ex.: regra de usuário em
// requisição anônima).
func scopeValue(scope domain.Scope, req domain.RequestInfo) string {
	switch scope {
	case domain.ScopeIP:
		return req.ClientIP
	case domain.ScopeUser:
		return req.UserID
	case domain.ScopeTenant:
		return req.TenantID
	case domain.ScopeEndpoint:
		if req.Endpoint == "" {
			return ""
		}
		// por endpoint, o chamador é o usuário autenticado ou o IP
		if req.UserID != "" {
			return "user:" + req.UserID
		}
		if req.ClientIP != "" {
			return "ip:" + req.ClientIP
		}
		return ""
	default:
		return ""
	}
}
