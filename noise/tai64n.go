package noise

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"
)

const (
	TimestampSize = 12
	// TAI64 label for the 1970 epoch plus the 10s TAI-UTC offset
	tai64Base = uint64(0x400000000000000a)
)

// Timestamp is a TAI64N value: 8 bytes of seconds and 4 bytes of
// nanoseconds, both big-endian, so byte order is time order.
type Timestamp [TimestampSize]byte

// TimestampFromTime encodes t as TAI64N
func TimestampFromTime(t time.Time) Timestamp {
	var ts Timestamp
	binary.BigEndian.PutUint64(ts[:8], tai64Base+uint64(t.Unix()))
	binary.BigEndian.PutUint32(ts[8:], uint32(t.Nanosecond()))
	return ts
}

// After reports whether ts is strictly newer than other
func (ts Timestamp) After(other Timestamp) bool {
	return bytes.Compare(ts[:], other[:]) > 0
}

func (ts Timestamp) IsZero() bool {
	return ts == Timestamp{}
}

func (ts Timestamp) Time() time.Time {
	secs := binary.BigEndian.Uint64(ts[:8]) - tai64Base
	nanos := binary.BigEndian.Uint32(ts[8:])
	return time.Unix(int64(secs), int64(nanos))
}

func (ts Timestamp) next() Timestamp {
	secs := binary.BigEndian.Uint64(ts[:8])
	nanos := binary.BigEndian.Uint32(ts[8:]) + 1
	if nanos >= uint32(time.Second) {
		secs++
		nanos = 0
	}
	var out Timestamp
	binary.BigEndian.PutUint64(out[:8], secs)
	binary.BigEndian.PutUint32(out[8:], nanos)
	return out
}

// Stamper hands out strictly increasing timestamps for outgoing
// initiations. If the clock stalls or steps back the last value is bumped
// by a nanosecond, so a peer never sees two initiations with the same time.
type Stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	last Timestamp
}

func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

func (s *Stamper) Stamp() Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := TimestampFromTime(s.now())
	if !ts.After(s.last) {
		ts = s.last.next()
	}
	s.last = ts
	return ts
}
