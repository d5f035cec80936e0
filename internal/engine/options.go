package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/waveflow/internal/logging"
	"github.com/rendis/waveflow/internal/streaming"
)

// StateSink receives a full snapshot after every state change. It is how
// persistence layers observe a workflow.
type StateSink interface {
	SaveState(ctx context.Context, key string, state WorkflowState) error
}

// Options configures a Workflow.
type Options struct {
	InitialContext       Context
	MaxParallelSteps     int
	ContinueOnFailure    bool
	GlobalTimeout        time.Duration
	AutoRetry            bool
	DefaultRetryAttempts int
	RetryBackoff         Backoff
	MaxRetryDelay        time.Duration

	Sink       StateSink
	StorageKey string
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		MaxParallelSteps:     1,
		DefaultRetryAttempts: 1,
		RetryBackoff:         BackoffConstant,
		Logger:               logging.Discard(),
	}
}

// WithInitialContext seeds the shared context.
func WithInitialContext(c Context) Option {
	return func(o *Options) { o.InitialContext = c }
}

// WithMaxParallelSteps bounds how many steps may run at once. Values below
// one are ignored.
func WithMaxParallelSteps(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxParallelSteps = n
		}
	}
}

// WithContinueOnFailure keeps scheduling independent steps after a step
// fails terminally.
func WithContinueOnFailure(enabled bool) Option {
	return func(o *Options) { o.ContinueOnFailure = enabled }
}

// WithGlobalTimeout fails the run if it is still active after d.
func WithGlobalTimeout(d time.Duration) Option {
	return func(o *Options) { o.GlobalTimeout = d }
}

// WithAutoRetry enables retries for every step. Steps that declare no
// retries of their own get retries attempts (default 1).
func WithAutoRetry(retries ...int) Option {
	return func(o *Options) {
		o.AutoRetry = true
		if len(retries) > 0 && retries[0] >= 0 {
			o.DefaultRetryAttempts = retries[0]
		}
	}
}

// WithRetryBackoff sets the default backoff strategy and an optional cap on
// the computed delay (zero means uncapped).
func WithRetryBackoff(b Backoff, maxDelay time.Duration) Option {
	return func(o *Options) {
		if b != "" {
			o.RetryBackoff = b
		}
		o.MaxRetryDelay = maxDelay
	}
}

// WithPersistence hands every state snapshot to sink under key.
func WithPersistence(sink StateSink, key string) Option {
	return func(o *Options) {
		o.Sink = sink
		o.StorageKey = key
	}
}

// WithEventHub publishes workflow and step transitions to hub.
func WithEventHub(hub streaming.EventHub) Option {
	return func(o *Options) { o.Hub = hub }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
