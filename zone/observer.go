package zone

import "time"

// Observer receives zone lifecycle events. Hooks run on the loop goroutine
// and must not block.
type Observer interface {
	ZoneCreated(z *Zone)
	ZoneSignaled(z *Zone, child ID, err error)
	ZoneFailed(z *Zone, err error)
	ZoneFinalized(z *Zone, o Outcome, lifetime time.Duration)
	TaskFinished(z *Zone, dur time.Duration, err error, panicked bool)
}

type multiObserver []Observer

// Observers fans every event out to obs in order. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	m := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) ZoneCreated(z *Zone) {
	for _, o := range m {
		o.ZoneCreated(z)
	}
}

func (m multiObserver) ZoneSignaled(z *Zone, child ID, err error) {
	for _, o := range m {
		o.ZoneSignaled(z, child, err)
	}
}

func (m multiObserver) ZoneFailed(z *Zone, err error) {
	for _, o := range m {
		o.ZoneFailed(z, err)
	}
}

func (m multiObserver) ZoneFinalized(z *Zone, oc Outcome, lifetime time.Duration) {
	for _, o := range m {
		o.ZoneFinalized(z, oc, lifetime)
	}
}

func (m multiObserver) TaskFinished(z *Zone, dur time.Duration, err error, panicked bool) {
	for _, o := range m {
		o.TaskFinished(z, dur, err, panicked)
	}
}
