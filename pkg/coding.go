package groot

import (
	"encoding/binary"
	"math"
	"time"
)

func encodeFloat(buf []byte, v float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
}

func decodeFloat(b []byte) float64 {
	if len(b) < 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// Sample rates travel as whole milliseconds.
func encodeRate(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

func decodeRate(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
