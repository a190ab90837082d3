package zone

import (
	"strconv"
	"sync/atomic"
)

// ID identifies a zone or a child registered under one. The zero ID is
// never issued.
type ID uint64

var lastID atomic.Uint64

// NextID returns a process-unique identifier.
func NextID() ID { return ID(lastID.Add(1)) }

func (id ID) String() string { return "#" + strconv.FormatUint(uint64(id), 10) }
