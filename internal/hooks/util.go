package hooks

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"
)

var hookSeq atomic.Uint64
var startTime = time.Now()

func hookID(predicateID uint64) string {
	n := hookSeq.Add(1)
	return fmt.Sprintf("hook-%d-%d", predicateID, n)
}

// nowTick returns a monotonic tick counter rather than a wall-clock
// timestamp, since CompiledAt is used for ordering within a process
// lifetime, not cross-process comparison.
func nowTick() int64 {
	return time.Since(startTime).Nanoseconds()
}

func hashHook(predicateID uint64, kernel KernelKind, invariants []string) [32]byte {
	h := blake3.New(32, nil)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], predicateID)
	h.Write(buf[:])
	h.Write([]byte(kernel))
	for _, inv := range invariants {
		h.Write([]byte(inv))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
