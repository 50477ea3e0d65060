package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"quota-gateway/internal/domain"

	"github.com/sirupsen/logrus"
)

// Component identifica as linhas emitidas pelo gateway
const Component = "quota_gateway"

// StructuredLogger implementa domain.Logger sobre uma logrus.Entry. Cada
// WithContext devolve uma entry derivada; a original nunca é alterada.
type StructuredLogger struct {
	entry *logrus.Entry
}

// RequestFields são os atributos da requisição propagados para os logs
type RequestFields struct {
	RequestID string
	ClientIP  string
	UserID    string
	TenantID  string
	UserAgent string
}

type requestFieldsKey struct{}

// NewLogger cria uma nova instância do logger estruturado
func NewLogger(level, format string) domain.Logger {
	return NewLoggerWithOutput(level, format, os.Stdout)
}

// NewLoggerWithOutput cria o logger escrevendo no writer informado
func NewLoggerWithOutput(level, format string, out io.Writer) domain.Logger {
	base := logrus.New()
	base.SetOutput(out)

	// Nível inválido cai para info
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	base.SetLevel(logLevel)

	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return newStructuredLogger(base)
}

func newStructuredLogger(base *logrus.Logger) *StructuredLogger {
	fields := logrus.Fields{"component": Component}
	if version := os.Getenv("APP_VERSION"); version != "" {
		fields["version"] = version
	}
	return &StructuredLogger{entry: base.WithFields(fields)}
}

// Debug registra uma mensagem de debug
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(logrus.DebugLevel, msg, fields)
}

// Info registra uma mensagem informativa
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(logrus.InfoLevel, msg, fields)
}

// Warn registra uma mensagem de warning
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(logrus.WarnLevel, msg, fields)
}

// Error registra uma mensagem de erro; o erro vai no campo "error"
func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	if !l.entry.Logger.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	entry := l.entry.WithFields(logrus.Fields(fields))
	if err != nil {
		entry = entry.WithField(logrus.ErrorKey, err.Error())
	}
	entry.Error(msg)
}

// WithContext anexa os campos da requisição guardados no contexto
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	rf, ok := RequestFieldsFromContext(ctx)
	if !ok {
		return l
	}
	return &StructuredLogger{entry: l.entry.WithFields(rf.logFields())}
}

func (l *StructuredLogger) log(level logrus.Level, msg string, fields map[string]interface{}) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	l.entry.WithFields(logrus.Fields(fields)).Log(level, msg)
}

// logFields converte para campos do logrus, mascarando usuário e tenant
func (rf RequestFields) logFields() logrus.Fields {
	fields := logrus.Fields{}
	set := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	set("request_id", rf.RequestID)
	set("ip", rf.ClientIP)
	set("user_id", MaskIdentifier(rf.UserID))
	set("tenant_id", MaskIdentifier(rf.TenantID))
	set("user_agent", rf.UserAgent)
	return fields
}

// MaskIdentifier mascara identificadores sensíveis para logs
func MaskIdentifier(value string) string {
	if value == "" {
		return ""
	}

	if len(value) <= 8 {
		return value + "***"
	}

	return value[:8] + "***"
}

// ContextWithRequestInfo adiciona informações da requisição ao contexto
func ContextWithRequestInfo(ctx context.Context, requestID, ip, userID, tenantID, userAgent string) context.Context {
	return context.WithValue(ctx, requestFieldsKey{}, RequestFields{
		RequestID: requestID,
		ClientIP:  ip,
		UserID:    userID,
		TenantID:  tenantID,
		UserAgent: userAgent,
	})
}

// RequestFieldsFromContext recupera o que ContextWithRequestInfo guardou
func RequestFieldsFromContext(ctx context.Context) (RequestFields, bool) {
	if ctx == nil {
		return RequestFields{}, false
	}
	rf, ok := ctx.Value(requestFieldsKey{}).(RequestFields)
	return rf, ok
}

// GetRequestID extrai o request ID do contexto
func GetRequestID(ctx context.Context) string {
	rf, _ := RequestFieldsFromContext(ctx)
	return rf.RequestID
}
