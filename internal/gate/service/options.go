package service

import (
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// Recorder receives protocol outcomes for metrics.  Implementations must be
// safe for concurrent use.
type Recorder interface {
	CredentialIssued(direction store.Direction)
	ScanOutcome(op, outcome string)
	ManualOverride(suspicious bool)
}

type nopRecorder struct{}

func (nopRecorder) CredentialIssued(store.Direction) {}
func (nopRecorder) ScanOutcome(string, string)       {}
func (nopRecorder) ManualOverride(bool)              {}

type options struct {
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
}

type Option func(*options)

// WithClock overrides the wall clock.  Tests use it to move time.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:      time.Now,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// clock returns now in UTC at millisecond precision, the precision every
// backend stores.
func (o options) clock() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
