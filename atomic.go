package fraisewire

import "sync/atomic"

// atomicAddMod10 atomically increments *n and returns the new value mod 10.
// Used by the global sample counter (spec §9) to keep metric recording
// cheap and lock-free under concurrent streams.
func atomicAddMod10(n *uint64) uint64 {
	v := atomic.AddUint64(n, 1)
	return v % 10
}
