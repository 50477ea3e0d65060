package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quota-gateway/internal/domain"
	"quota-gateway/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// FailurePolicy define o que fazer quando o storage está indisponível
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

// AdmissionMode define como a requisição é cobrada
type AdmissionMode string

const (
	// ModeAtomic decide e cobra numa única reserva
	ModeAtomic AdmissionMode = "atomic"
	// ModeSplit avalia, e só depois de aceita grava o evento
	ModeSplit AdmissionMode = "split"
)

// Gin context keys preenchidas pela camada de autenticação
const (
	UserIDKey   = "user_id"
	TenantIDKey = "tenant_id"
)

// Options configura o comportamento do middleware
type Options struct {
	FailurePolicy        FailurePolicy
	Mode                 AdmissionMode
	FailClosedRetryAfter int
	// RefundStatuses lista os status HTTP cuja cobrança atômica é estornada
	RefundStatuses []int
}

// DefaultOptions retorna fail-open com admissão atômica
func DefaultOptions() Options {
	return Options{
		FailurePolicy:        FailOpen,
		Mode:                 ModeAtomic,
		FailClosedRetryAfter: 5,
	}
}

// RateLimiterMiddleware implementa o middleware de rate limiting
type RateLimiterMiddleware struct {
	service domain.RateLimiterService
	logger  domain.Logger
	opts    Options
	refund  map[int]struct{}
	// limita o aviso de fail-open a uma linha por intervalo
	failOpenWarn rate.Sometimes
}

// NewRateLimiterMiddleware cria uma nova instância do middleware
func NewRateLimiterMiddleware(
	service domain.RateLimiterService,
	logger domain.Logger,
	opts Options,
) gin.HandlerFunc {
	return newRateLimiterMiddleware(service, logger, opts).Handle
}

func newRateLimiterMiddleware(service domain.RateLimiterService, logger domain.Logger, opts Options) *RateLimiterMiddleware {
	if opts.Mode == "" {
		opts.Mode = ModeAtomic
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailOpen
	}
	if opts.FailClosedRetryAfter <= 0 {
		opts.FailClosedRetryAfter = 5
	}

	refund := make(map[int]struct{}, len(opts.RefundStatuses))
	for _, status := range opts.RefundStatuses {
		refund[status] = struct{}{}
	}

	return &RateLimiterMiddleware{
		service:      service,
		logger:       logger,
		opts:         opts,
		refund:       refund,
		failOpenWarn: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Handle é o handler principal do middleware
func (m *RateLimiterMiddleware) Handle(c *gin.Context) {
	if !m.service.Enabled() {
		c.Next()
		return
	}

	requestID := m.getRequestID(c)
	req := RequestInfo(c)

	// Adicionar informações ao contexto para logging
	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, req.ClientIP, req.UserID, req.TenantID, c.GetHeader("User-Agent"))
	c.Request = c.Request.WithContext(ctx)
	log := m.logger.WithContext(ctx)

	log.Debug("Rate limiter middleware initiated", map[string]interface{}{
		"method":   c.Request.Method,
		"endpoint": req.Endpoint,
		"mode":     m.opts.Mode,
	})

	var (
		decision *domain.Decision
		err      error
	)
	if m.opts.Mode == ModeSplit {
		decision, err = m.service.Evaluate(ctx, req)
	} else {
		decision, err = m.service.Attempt(ctx, req)
	}
	if err != nil {
		m.handleFailure(c, log, err)
		return
	}

	if decision.Unlimited {
		c.Next()
		return
	}

	if !decision.Allowed {
		m.reject(c, decision.Status)
		return
	}

	if m.opts.Mode == ModeSplit {
		// só cobra depois de aceita; a falha aqui não derruba a requisição
		recorded, err := m.service.Record(ctx, req)
		if err != nil {
			log.Error("Failed to record request", err, map[string]interface{}{"endpoint": req.Endpoint})
		} else if !recorded.Unlimited {
			decision = recorded
		}
	}

	setRateLimitHeaders(c, decision.Status)
	c.Next()

	if _, ok := m.refund[c.Writer.Status()]; ok && decision.Reservation != nil {
		// o cliente pode já ter desconectado; o estorno não depende dele
		if err := m.service.Refund(context.WithoutCancel(ctx), decision); err != nil {
			log.Error("Failed to refund request", err, map[string]interface{}{"status": c.Writer.Status()})
		}
	}
}

// handleFailure aplica a política de falha sem expor detalhes do storage
func (m *RateLimiterMiddleware) handleFailure(c *gin.Context, log domain.Logger, err error) {
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		log.Error("Rate limiter service error", err, nil)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal server error",
			"message": "Unable to process rate limit check",
		})
		return
	}

	if m.opts.FailurePolicy == FailClosed {
		log.Error("Rate limit storage unavailable, rejecting request", err, nil)
		retry := m.opts.FailClosedRetryAfter
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, rejectionBody(retry))
		return
	}

	m.failOpenWarn.Do(func() {
		log.Warn("Rate limit storage unavailable, allowing request", map[string]interface{}{
			"error": err.Error(),
		})
	})
	c.Next()
}

func (m *RateLimiterMiddleware) reject(c *gin.Context, status domain.QuotaStatus) {
	retry := 1
	if status.RetryAfterSeconds != nil {
		retry = *status.RetryAfterSeconds
	}

	setRateLimitHeaders(c, status)
	c.Header("Retry-After", strconv.Itoa(retry))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, rejectionBody(retry))
}

func rejectionBody(retry int) gin.H {
	return gin.H{
		"error":       "rate_limit_exceeded",
		"message":     fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retry),
		"retry_after": retry,
	}
}

// setRateLimitHeaders define headers informativos de rate limiting
func setRateLimitHeaders(c *gin.Context, status domain.QuotaStatus) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(status.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
}

// getRequestID obtém ou gera um Request ID para tracking
func (m *RateLimiterMiddleware) getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		c.Header("X-Request-ID", requestID)
		return requestID
	}

	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}

// RequestInfo extrai os atributos de escopo da requisição. A identidade
// vem das chaves user_id/tenant_id do gin ou, na falta delas, do contexto
// da requisição.
func RequestInfo(c *gin.Context) domain.RequestInfo {
	identity, _ := domain.IdentityFromContext(c.Request.Context())

	userID := c.GetString(UserIDKey)
	if userID == "" {
		userID = identity.UserID
	}
	tenantID := c.GetString(TenantIDKey)
	if tenantID == "" {
		tenantID = identity.TenantID
	}

	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = c.Request.URL.Path
	}

	return domain.RequestInfo{
		ClientIP: GetClientIP(c),
		UserID:   userID,
		TenantID: tenantID,
		Endpoint: endpoint,
	}
}

// GetClientIP extrai o IP do cliente considerando proxies e load balancers.
// Prioridade: X-Forwarded-For (primeiro item) > X-Real-IP > RemoteAddr.
func GetClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if clientIP := strings.TrimSpace(strings.Split(xff, ",")[0]); clientIP != "" {
			return clientIP
		}
	}

	if xri := strings.TrimSpace(c.GetHeader("X-Real-IP")); xri != "" {
		return xri
	}

	// remove a porta se presente
	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}

// HeaderIdentity copia X-User-ID e X-Tenant-ID para o contexto. Serve de
// substituto para uma camada de autenticação e só deve ser usado atrás de
// um proxy que controla esses headers.
func HeaderIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := domain.Identity{
			UserID:   strings.TrimSpace(c.GetHeader("X-User-ID")),
			TenantID: strings.TrimSpace(c.GetHeader("X-Tenant-ID")),
		}
		if identity.UserID != "" {
			c.Set(UserIDKey, identity.UserID)
		}
		if identity.TenantID != "" {
			c.Set(TenantIDKey, identity.TenantID)
		}
		c.Request = c.Request.WithContext(domain.ContextWithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}
