package shared

import (
	"encoding/binary"
	"hash/fnv"
)

// AdvisoryKey derives a pg_advisory_xact_lock key for one entity within scope.
func AdvisoryKey(scope string, id int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	_, _ = h.Write(buf[:])
	return int64(h.Sum64())
}
