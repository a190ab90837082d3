package zone

import "github.com/rs/zerolog"

// Func is a zone body or a callback queued on a zone. It runs with the zone
// it belongs to; a non-nil error fails that zone.
type Func func(z *Zone) error

// Callback receives a zone's outcome once the zone and all its descendants
// are done. It runs in the parent's context; a non-nil error fails the parent.
type Callback func(parent *Zone, o Outcome) error

type Option func(*Options)

type Options struct {
	Name         string
	Callback     Callback
	PanicAsError bool
	Observer     Observer
	Logger       zerolog.Logger
	Scheduler    Scheduler
}

func defaultOptions() Options {
	return Options{PanicAsError: true, Logger: zerolog.Nop()}
}

func WithName(name string) Option { return func(o *Options) { o.Name = name } }

func WithCallback(cb Callback) Option { return func(o *Options) { o.Callback = cb } }

func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithScheduler replaces the default Loop. Only meaningful for NewRuntime.
func WithScheduler(s Scheduler) Option { return func(o *Options) { o.Scheduler = s } }
