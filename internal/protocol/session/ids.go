package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// IDSource hands out non-zero 32-bit ids for packets and want_config requests.
// Ids wrap but never return zero, which the firmware treats as "unset".
type IDSource struct {
	next atomic.Uint32
}

// NewIDSource seeds from crypto/rand so ids do not repeat across client restarts.
func NewIDSource() *IDSource {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	return NewIDSourceAt(binary.BigEndian.Uint32(seed[:]))
}

func NewIDSourceAt(start uint32) *IDSource {
	s := &IDSource{}
	s.next.Store(start)
	return s
}

func (s *IDSource) Next() uint32 {
	for {
		if id := s.next.Add(1); id != 0 {
			return id
		}
	}
}
