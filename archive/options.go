package archive

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Router, Scheduler or Gateway.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	now        func() time.Time
	summarizer Summarizer
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides time.Now, used for cutoff computation and
// migration timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSummarizer sets the scheduler's summarizer. Truncation is used when
// it is unset or fails.
func WithSummarizer(s Summarizer) Option {
	return func(o *options) {
		o.summarizer = s
	}
}
