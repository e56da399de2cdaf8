// Package audit writes security-relevant events as structured log entries
// enriched with request and actor context.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"biolinq.io/internal/identity"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

var logger = zap.NewNop()

// SetLogger installs the process logger. Called once from main before the
// server starts.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry. The actor and, when acting as a
// sub-account, the context target are taken from the request context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if claims, ok := identity.ClaimsFrom(ctx); ok {
		entry = append(entry, zap.String("account_id", claims.AccountID()))
		if claims.IsSubAccountContext {
			entry = append(entry, zap.String("context_account_id", claims.ContextAccountID))
		}
	}
	entry = append(entry, fields...)
	logger.Info("audit", entry...)
	return nil
}

// LogError records an error that is about to be answered with an opaque
// response, so the detail survives in the server log.
func LogError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	entry := []zap.Field{zap.Error(err)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if claims, ok := identity.ClaimsFrom(ctx); ok {
		entry = append(entry, zap.String("account_id", claims.AccountID()))
	}
	logger.Error("internal error", entry...)
}
