package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"quota-gateway/internal/domain"
	"quota-gateway/internal/logger"
	"quota-gateway/internal/metrics"
	"quota-gateway/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers contém os handlers da API
type Handlers struct {
	service         domain.RateLimiterService
	logger          domain.Logger
	metrics         *metrics.Collector
	adminToken      string
	middlewareOpts  middleware.Options
	reloader        func() (*domain.RateLimitConfig, error)
	identityHeaders bool
	startTime       time.Time
}

// Option configura os handlers
type Option func(*Handlers)

// WithMetrics expõe /metrics a partir do collector
func WithMetrics(c *metrics.Collector) Option {
	return func(h *Handlers) { h.metrics = c }
}

// WithAdminToken exige "Authorization: Bearer <token>" nas rotas /admin
func WithAdminToken(token string) Option {
	return func(h *Handlers) { h.adminToken = token }
}

// WithMiddlewareOptions define a política do middleware de rate limiting
func WithMiddlewareOptions(opts middleware.Options) Option {
	return func(h *Handlers) { h.middlewareOpts = opts }
}

// WithReloader habilita POST /admin/reload
func WithReloader(reload func() (*domain.RateLimitConfig, error)) Option {
	return func(h *Handlers) { h.reloader = reload }
}

// WithIdentityHeaders confia em X-User-ID/X-Tenant-ID nas rotas protegidas
func WithIdentityHeaders(enabled bool) Option {
	return func(h *Handlers) { h.identityHeaders = enabled }
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(service domain.RateLimiterService, logger domain.Logger, opts ...Option) *Handlers {
	h := &Handlers{
		service:        service,
		logger:         logger,
		middlewareOpts: middleware.DefaultOptions(),
		startTime:      time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetupRoutes configura as rotas da API
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Rotas públicas (sem rate limiting)
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	// Rotas protegidas por rate limiting
	protected := router.Group("/")
	if h.identityHeaders {
		protected.Use(middleware.HeaderIdentity())
	}
	protected.Use(middleware.NewRateLimiterMiddleware(h.service, h.logger, h.middlewareOpts))
	{
		protected.GET("/", h.ExampleHandler)
		protected.POST("/api/classify", h.ClassifyHandler)
	}

	// Rotas administrativas (sem rate limiting)
	admin := router.Group("/admin")
	admin.Use(h.requireAdmin)
	{
		admin.GET("/rules", h.ListRulesHandler)
		admin.POST("/rules", h.AddRuleHandler)
		admin.DELETE("/rules/:id", h.RemoveRuleHandler)
		admin.GET("/usage", h.UsageHandler)
		admin.POST("/reset", h.ResetHandler)
		admin.POST("/reload", h.ReloadHandler)
		admin.GET("/system", h.SystemHandler)
	}
}

// requireAdmin valida o bearer token quando configurado
func (h *Handlers) requireAdmin(c *gin.Context) {
	if h.adminToken == "" {
		c.Next()
		return
	}

	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		h.logger.WithContext(c.Request.Context()).Warn("Unauthorized admin request", map[string]interface{}{
			"client_ip": middleware.GetClientIP(c),
			"path":      c.Request.URL.Path,
		})
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "A valid admin token is required",
		})
		return
	}
	c.Next()
}

// HealthHandler verifica o storage; 503 quando indisponível
func (h *Handlers) HealthHandler(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   "Quota Gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	if err := h.service.Health(c.Request.Context()); err != nil {
		h.logger.WithContext(c.Request.Context()).Error("Health check failed", err, nil)
		response["status"] = "unhealthy"
		response["storage"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response["storage"] = "ok"
	c.JSON(http.StatusOK, response)
}

// ExampleHandler implementa um endpoint de exemplo protegido por rate limiting
func (h *Handlers) ExampleHandler(c *gin.Context) {
	req := middleware.RequestInfo(c)

	h.logger.WithContext(c.Request.Context()).Debug("Example endpoint accessed", map[string]interface{}{
		"client_ip": req.ClientIP,
		"path":      c.Request.URL.Path,
	})

	response := gin.H{
		"message":   "Hello from Quota Gateway!",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"client_ip": req.ClientIP,
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
	}
	if requestID := logger.GetRequestID(c.Request.Context()); requestID != "" {
		response["request_id"] = requestID
	}
	if req.UserID != "" {
		response["user_id"] = logger.MaskIdentifier(req.UserID)
	}

	c.JSON(http.StatusOK, response)
}

// ClassifyRequest é o corpo aceito pelo endpoint de demonstração
type ClassifyRequest struct {
	Text string `json:"text" binding:"required"`
}

// ClassifyHandler representa o endpoint de negócio atrás do gateway
func (h *Handlers) ClassifyHandler(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	label := "short"
	if len(strings.Fields(req.Text)) > 20 {
		label = "long"
	}

	c.JSON(http.StatusOK, gin.H{
		"label":  label,
		"length": len(req.Text),
	})
}

// ListRulesHandler retorna a configuração ativa
func (h *Handlers) ListRulesHandler(c *gin.Context) {
	cfg := h.service.Config()

	c.JSON(http.StatusOK, gin.H{
		"enabled":         cfg.Enabled,
		"rules":           nonNil(cfg.Rules),
		"tenants":         cfg.TenantRules,
		"endpoints":       cfg.EndpointRules,
		"exempt_ips":      setKeys(cfg.ExemptIPs),
		"exempt_user_ids": setKeys(cfg.ExemptUserIDs),
	})
}

// AddRuleRequest representa o corpo da requisição para criar uma regra
type AddRuleRequest struct {
	ID       string `json:"id"`
	Requests int    `json:"requests" binding:"required"`
	Window   int    `json:"window" binding:"required"`
	Scope    string `json:"scope" binding:"required"`
	Burst    int    `json:"burst"`
	Tenant   string `json:"tenant"`
	Endpoint string `json:"endpoint"`
}

// AddRuleHandler registra uma regra em tempo de execução
func (h *Handlers) AddRuleHandler(c *gin.Context) {
	var req AddRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	scope, err := domain.ParseScope(req.Scope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "scope must be one of ip, user, tenant, endpoint",
		})
		return
	}

	target := domain.RuleTarget{
		Tenant:   strings.TrimSpace(req.Tenant),
		Endpoint: strings.TrimSpace(req.Endpoint),
	}
	rule, err := h.service.AddRule(target, domain.Rule{
		ID:              strings.TrimSpace(req.ID),
		RequestsAllowed: req.Requests,
		WindowSeconds:   req.Window,
		Scope:           scope,
		Burst:           req.Burst,
	})
	if err != nil {
		h.respondRuleError(c, err)
		return
	}

	h.logger.WithContext(c.Request.Context()).Info("Admin rule added", map[string]interface{}{
		"rule_id": rule.ID,
	})
	c.JSON(http.StatusCreated, gin.H{
		"rule":   rule,
		"target": target,
	})
}

// RemoveRuleHandler remove uma regra pelo ID
func (h *Handlers) RemoveRuleHandler(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.RemoveRule(id); err != nil {
		h.respondRuleError(c, err)
		return
	}

	h.logger.WithContext(c.Request.Context()).Info("Admin rule removed", map[string]interface{}{"rule_id": id})
	c.Status(http.StatusNoContent)
}

// UsageHandler retorna o uso atual de um identificador
func (h *Handlers) UsageHandler(c *gin.Context) {
	scope, identifier, ok := h.bindIdentifier(c, c.Query("scope"), c.Query("identifier"))
	if !ok {
		return
	}
	endpoint := strings.TrimSpace(c.Query("endpoint"))

	report, err := h.service.UsageStats(c.Request.Context(), scope, identifier, endpoint)
	if err != nil {
		h.respondStorageError(c, "Failed to retrieve usage stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":      report.Scope,
		"identifier": logger.MaskIdentifier(report.Identifier),
		"entries":    report.Entries,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminResetRequest representa o corpo da requisição para reset
type AdminResetRequest struct {
	Scope      string `json:"scope" binding:"required"`
	Identifier string `json:"identifier" binding:"required"`
	Endpoint   string `json:"endpoint"`
}

// ResetHandler limpa os contadores de um identificador
func (h *Handlers) ResetHandler(c *gin.Context) {
	var req AdminResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	scope, identifier, ok := h.bindIdentifier(c, req.Scope, req.Identifier)
	if !ok {
		return
	}

	if err := h.service.Reset(c.Request.Context(), scope, identifier, strings.TrimSpace(req.Endpoint)); err != nil {
		h.respondStorageError(c, "Failed to reset rate limiter", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "Rate limiter reset successfully",
		"scope":      scope,
		"identifier": logger.MaskIdentifier(identifier),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// ReloadHandler relê o arquivo de regras e instala a nova configuração
func (h *Handlers) ReloadHandler(c *gin.Context) {
	if h.reloader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_implemented",
			"message": "Configuration reload is not available",
		})
		return
	}

	cfg, err := h.reloader()
	if err == nil {
		err = h.service.Reload(cfg)
	}
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("Admin reload failed", err, nil)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_config",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"enabled":        cfg.Enabled,
		"global_rules":   len(cfg.Rules),
		"tenant_rules":   len(cfg.TenantRules),
		"endpoint_rules": len(cfg.EndpointRules),
	})
}

// SystemHandler expõe estatísticas do processo
func (h *Handlers) SystemHandler(c *gin.Context) {
	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"service":        "Quota Gateway",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_total": formatBytes(m.TotalAlloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	})
}

func (h *Handlers) bindIdentifier(c *gin.Context, rawScope, rawIdentifier string) (domain.Scope, string, bool) {
	identifier := strings.TrimSpace(rawIdentifier)
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "identifier parameter is required",
		})
		return "", "", false
	}

	scope, err := domain.ParseScope(rawScope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "scope must be one of ip, user, tenant, endpoint",
		})
		return "", "", false
	}
	return scope, identifier, true
}

func (h *Handlers) respondRuleError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_server_error"
	switch {
	case errors.Is(err, domain.ErrInvalidRule), errors.Is(err, domain.ErrInvalidConfig):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrDuplicateRule):
		status, code = http.StatusConflict, "duplicate_rule"
	case errors.Is(err, domain.ErrRuleNotFound):
		status, code = http.StatusNotFound, "rule_not_found"
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

// respondStorageError responde sem repassar detalhes do storage
func (h *Handlers) respondStorageError(c *gin.Context, message string, err error) {
	h.logger.WithContext(c.Request.Context()).Error(message, err, nil)

	status := http.StatusInternalServerError
	if errors.Is(err, domain.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"error":   "storage_error",
		"message": message,
	})
}

func nonNil(rules []domain.Rule) []domain.Rule {
	if rules == nil {
		return []domain.Rule{}
	}
	return rules
}

func setKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}
