package hostcache

import (
	"math/bits"
	"unsafe"
)

// wyhash constants.
const (
	wyp0 = 0xa0761d6478bd642f
	wyp1 = 0xe7037ed1a0b428db
)

// Hash computes the cache's hash value for a key. The eviction policy never
// hashes keys itself; it always goes through this function so that the same
// hv used to find an item's bucket is the hv passed to OnAccess/OnRemove.
//
// wyhash rather than maphash.String: noticeably higher throughput on this
// shard-selection hot path, at the cost of the unsafe string-to-bytes read
// below.
func Hash(key string) uint32 {
	return uint32(hash64(key))
}

func hash64(s string) uint64 {
	n := len(s)
	if n == 0 {
		return 0
	}

	p := unsafe.Pointer(unsafe.StringData(s))
	var a, b uint64

	if n <= 8 {
		if n >= 4 {
			a = uint64(*(*uint32)(p))
			b = uint64(*(*uint32)(unsafe.Add(p, n-4)))
		} else {
			a = uint64(*(*byte)(p))<<16 | uint64(*(*byte)(unsafe.Add(p, n>>1)))<<8 | uint64(*(*byte)(unsafe.Add(p, n-1)))
			b = 0
		}
	} else {
		a = *(*uint64)(p)
		b = *(*uint64)(unsafe.Add(p, n-8))
	}

	hi, lo := bits.Mul64(a^wyp0, b^uint64(n)^wyp1)
	return hi ^ lo
}
