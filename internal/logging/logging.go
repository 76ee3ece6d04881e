// Package logging provides structured request-scoped logging with trace
// propagation, built on logrus.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey carries the request trace ID through contexts.
	TraceIDKey contextKey = "trace_id"
	// UserIDKey carries the authenticated user ID through contexts.
	UserIDKey contextKey = "user_id"
	// RoleKey carries the authenticated user's role through contexts.
	RoleKey contextKey = "role"
	// WorkspaceIDKey carries the active workspace through contexts.
	WorkspaceIDKey contextKey = "workspace_id"
)

// Logger wraps logrus with context-aware helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger for the named service. Format is "json" or "text";
// unknown levels fall back to info.
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: l, service: service}
}

// Default returns a json info-level logger named after the process.
func Default() *Logger {
	return New("daygent", "info", "json")
}

// WithContext returns an entry enriched with trace, user, role and workspace
// fields found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if l.service != "" {
		fields["service"] = l.service
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}
	if userID := GetUserID(ctx); userID != "" {
		fields["user_id"] = userID
	}
	if role := GetRole(ctx); role != "" {
		fields["role"] = role
	}
	if ws := GetWorkspaceID(ctx); ws != "" {
		fields["workspace_id"] = ws
	}
	return l.Logger.WithFields(fields)
}

// LogRequest emits one access-log line for a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if status >= 500 {
		entry.Error("request completed")
	} else {
		entry.Info("request completed")
	}
}

// LogSecurityEvent emits a warn-level security event with details.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithField("security_event", event)
	if len(details) > 0 {
		entry = entry.WithFields(logrus.Fields(details))
	}
	entry.Warn("security event")
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	return stringFromContext(ctx, TraceIDKey)
}

// WithUserID stores the authenticated user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRole stores the authenticated role in the context.
func WithRole(ctx context.Context, role string) context.Context {
	if role == "" {
		return ctx
	}
	return context.WithValue(ctx, RoleKey, role)
}

// WithWorkspaceID stores the active workspace ID in the context.
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	if workspaceID == "" {
		return ctx
	}
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}

// GetUserID returns the authenticated user ID from the context, or "".
func GetUserID(ctx context.Context) string {
	return stringFromContext(ctx, UserIDKey)
}

// GetRole returns the authenticated role from the context, or "".
func GetRole(ctx context.Context) string {
	return stringFromContext(ctx, RoleKey)
}

// GetWorkspaceID returns the active workspace ID from the context, or "".
func GetWorkspaceID(ctx context.Context) string {
	return stringFromContext(ctx, WorkspaceIDKey)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
