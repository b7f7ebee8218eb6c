// Package diag is the structured diagnostics sink for the auth core. It has
// no business logic: callers decide what happened, the emitter decides how it
// lands in the log stream.
package diag

import (
	"go.uber.org/zap"

	"github.com/fitbuddy/client-core-go/pkg/utilities"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// Context carries the bookkeeping attached to an auth diagnostic event.
// Token values never belong here; free-text detail is scrubbed on emit.
type Context struct {
	Method           string
	Path             string
	RequestID        string
	Status           int
	RetryStatus      int
	RefreshAttempted bool
	RefreshSucceeded *bool
	Reason           string
	Detail           string
}

// Emitter serializes auth events to the structured log at a given severity.
type Emitter struct {
	logger     *zap.SugaredLogger
	instanceID string
}

func NewEmitter(logger *zap.SugaredLogger) *Emitter {
	return &Emitter{
		logger:     logger,
		instanceID: utilities.NewInstanceID(),
	}
}

// Emit writes one event. Zero-valued fields of ctx are omitted so the log
// line only carries what the stage actually knows.
func (e *Emitter) Emit(sev Severity, event string, ctx Context) {
	fields := []any{"event", event, "instance_id", e.instanceID}
	if ctx.Method != "" {
		fields = append(fields, "method", ctx.Method)
	}
	if ctx.Path != "" {
		fields = append(fields, "path", ctx.Path)
	}
	if ctx.RequestID != "" {
		fields = append(fields, "request_id", ctx.RequestID)
	}
	if ctx.Status != 0 {
		fields = append(fields, "status", ctx.Status)
	}
	if ctx.RetryStatus != 0 {
		fields = append(fields, "retry_status", ctx.RetryStatus)
	}
	if ctx.RefreshAttempted {
		fields = append(fields, "refresh_attempted", true)
		if ctx.RefreshSucceeded != nil {
			fields = append(fields, "refresh_succeeded", *ctx.RefreshSucceeded)
		}
	}
	if ctx.Reason != "" {
		fields = append(fields, "reason", ctx.Reason)
	}
	if ctx.Detail != "" {
		fields = append(fields, "detail", utilities.ScrubTokens(ctx.Detail))
	}

	switch sev {
	case SeverityDebug:
		e.logger.Debugw(event, fields...)
	case SeverityInfo:
		e.logger.Infow(event, fields...)
	case SeverityWarn:
		e.logger.Warnw(event, fields...)
	case SeverityError:
		e.logger.Errorw(event, fields...)
	default:
		e.logger.Infow(event, fields...)
	}
}
