package zone

// Signaler is anything that can be registered as a child of a zone. Signal
// is called at most once per parent outcome, after the parent has one.
type Signaler interface {
	Signal(err error)
}

type nopSignaler struct{}

func (nopSignaler) Signal(error) {}

// record is one arena entry: a zone, or any other child registered under a
// zone.
type record struct {
	id       ID
	slot     int
	sig      Signaler
	zone     *Zone // set when the record is a zone
	owner    *Zone // nil for the root
	ref      bool
	signaled bool
	sent     error
}

// arena stores every live record in a stable slot. Released slots are
// reused.
type arena struct {
	slots []*record
	free  []int
	byID  map[ID]int
	zones int
}

func (a *arena) put(r *record) error {
	if _, ok := a.byID[r.id]; ok {
		return ErrAlreadyRegistered
	}
	if a.byID == nil {
		a.byID = make(map[ID]int)
	}
	if k := len(a.free); k > 0 {
		r.slot = a.free[k-1]
		a.free = a.free[:k-1]
		a.slots[r.slot] = r
	} else {
		r.slot = len(a.slots)
		a.slots = append(a.slots, r)
	}
	a.byID[r.id] = r.slot
	if r.zone != nil {
		a.zones++
	}
	return nil
}

func (a *arena) lookup(id ID) *record {
	slot, ok := a.byID[id]
	if !ok {
		return nil
	}
	return a.slots[slot]
}

// live reports whether r still occupies its slot.
func (a *arena) live(r *record) bool {
	return r.slot < len(a.slots) && a.slots[r.slot] == r
}

func (a *arena) release(r *record) {
	if !a.live(r) {
		return
	}
	a.slots[r.slot] = nil
	a.free = append(a.free, r.slot)
	delete(a.byID, r.id)
	if r.zone != nil {
		a.zones--
	}
}

// children is a zone's index set over the arena. Slot order is registration
// order, which is also signal delivery order.
type children struct {
	slots []int
	refs  int
}

func (c *children) len() int { return len(c.slots) }

func (z *Zone) addChild(id ID, sig Signaler, zc *Zone, ref bool) error {
	r := &record{id: id, sig: sig, zone: zc, owner: z, ref: ref}
	if err := z.rt.arena.put(r); err != nil {
		return err
	}
	z.kids.slots = append(z.kids.slots, r.slot)
	if ref {
		z.kids.refs++
	}
	return nil
}

func (z *Zone) child(id ID) (*record, error) {
	r := z.rt.arena.lookup(id)
	if r == nil || r.owner != z {
		return nil, ErrNotRegistered
	}
	return r, nil
}

func (z *Zone) removeChild(id ID) error {
	r, err := z.child(id)
	if err != nil {
		return err
	}
	for i, s := range z.kids.slots {
		if s == r.slot {
			z.kids.slots = append(z.kids.slots[:i], z.kids.slots[i+1:]...)
			break
		}
	}
	if r.ref {
		z.kids.refs--
	}
	z.rt.arena.release(r)
	return nil
}

func (z *Zone) setChildRef(id ID, ref bool) error {
	r, err := z.child(id)
	if err != nil {
		return err
	}
	if r.ref == ref {
		return nil
	}
	r.ref = ref
	if ref {
		z.kids.refs++
	} else {
		z.kids.refs--
	}
	return nil
}

// snapshot resolves the child slots to records so signal handlers may
// register or unregister children while they are walked.
func (z *Zone) snapshot() []*record {
	out := make([]*record, len(z.kids.slots))
	for i, s := range z.kids.slots {
		out[i] = z.rt.arena.slots[s]
	}
	return out
}
