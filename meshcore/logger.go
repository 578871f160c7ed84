package meshcore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the ambient logging seam used across every package in this
// module. Callers that don't care about logging can pass NoOpLogger{}.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// NoOpLogger discards everything. Useful as a default in tests and for
// callers that don't wire a Logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                                  {}
func (NoOpLogger) Error(string, map[string]interface{})                                 {}
func (NoOpLogger) Warn(string, map[string]interface{})                                  {}
func (NoOpLogger) Debug(string, map[string]interface{})                                 {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{})     {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{})     {}

// requestIDKey is the context key ProductionLogger looks for to attach a
// request id to every line without every call site threading it through
// fields explicitly.
type requestIDKey struct{}

// WithRequestID returns a context carrying requestID for log correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// ProductionLogger renders structured JSON or human-readable lines,
// depending on Format. It has no third-party dependency: logging is the
// one ambient concern this module builds directly on the standard
// library, matching the teacher's own choice not to pull in a logging
// library for this.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
}

// NewProductionLogger builds a Logger from a LoggingConfig.
func NewProductionLogger(cfg LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}
	return &ProductionLogger{
		level:       strings.ToLower(cfg.Level),
		debug:       strings.ToLower(cfg.Level) == "debug",
		serviceName: serviceName,
		format:      cfg.Format,
		output:      output,
	}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)
	requestID := requestIDFromContext(ctx)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if requestID != "" {
			entry["request_id"] = requestID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	reqInfo := ""
	if requestID != "" {
		reqInfo = fmt.Sprintf("[req=%s] ", requestID)
	}
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
		timestamp, level, p.serviceName, reqInfo, msg, fieldStr.String())
}
