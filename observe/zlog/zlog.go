package zlog

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/NetPo4ki/go-zone/zone"
)

// Observer logs zone lifecycle events. Routine events go out at debug
// level, failures at warn.
type Observer struct {
	log zerolog.Logger
}

// New returns an observer writing to l.
func New(l zerolog.Logger) *Observer { return &Observer{log: l} }

func (o *Observer) with(z *zone.Zone, e *zerolog.Event) *zerolog.Event {
	e = e.Stringer("zone", z.ID()).Str("name", z.Name())
	if p := z.Parent(); p != nil {
		e = e.Stringer("parent", p.ID())
	}
	return e
}

func (o *Observer) ZoneCreated(z *zone.Zone) {
	o.with(z, o.log.Debug()).Msg("zone created")
}

func (o *Observer) ZoneSignaled(z *zone.Zone, child zone.ID, err error) {
	o.with(z, o.log.Debug()).Stringer("child", child).AnErr("signal", err).Msg("zone signaled child")
}

func (o *Observer) ZoneFailed(z *zone.Zone, err error) {
	o.with(z, o.log.Warn()).Err(err).Msg("zone failed")
}

func (o *Observer) ZoneFinalized(z *zone.Zone, oc zone.Outcome, lifetime time.Duration) {
	e := o.log.Debug()
	if oc.State() == zone.Failed {
		e = o.log.Warn().Err(oc.Err())
	}
	o.with(z, e).Stringer("outcome", oc.State()).Dur("lifetime", lifetime).Msg("zone finalized")
}

func (o *Observer) TaskFinished(z *zone.Zone, dur time.Duration, err error, panicked bool) {
	if err == nil {
		return
	}
	o.with(z, o.log.Debug()).Err(err).Bool("panicked", panicked).Dur("took", dur).Msg("zone task failed")
}
