package internal

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

type ErrorReporter interface {
	CaptureError(logKey string, err error, fields map[string]interface{})
	Recover()
	Flush()
}

// SentryReporter sends fatal sync failures to Sentry. A nil reporter is a
// valid no-op.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter returns nil, nil when no DSN is configured.
func NewSentryReporter(cfg *Config) (*SentryReporter, error) {
	if cfg.SentryDSN == "" {
		return nil, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.AppEnv,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}
			event.Tags["app"] = serviceName
			event.Tags["clan_tag"] = cfg.ClanTag
			return event
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.CurrentHub()}, nil
}

func (r *SentryReporter) CaptureError(logKey string, err error, fields map[string]interface{}) {
	if r == nil || r.hub == nil || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("log_key", logKey)
		scope.SetTag("error_code", errorCode(err))
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		r.hub.CaptureException(err)
	})
}

// Recover reports a panic and re-panics.
func (r *SentryReporter) Recover() {
	if rec := recover(); rec != nil {
		if r != nil && r.hub != nil {
			r.hub.WithScope(func(scope *sentry.Scope) {
				scope.SetLevel(sentry.LevelFatal)
				scope.SetTag("panic", "true")
				if e, ok := rec.(error); ok {
					r.hub.CaptureException(e)
				} else {
					r.hub.CaptureMessage(fmt.Sprintf("panic: %v", rec))
				}
			})
			r.hub.Flush(2 * time.Second)
		}
		panic(rec)
	}
}

func (r *SentryReporter) Flush() {
	if r == nil || r.hub == nil {
		return
	}
	r.hub.Flush(2 * time.Second)
}
