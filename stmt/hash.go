package stmt

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// ComputeFingerprint hashes the fields that define statement identity:
// hostgroup, username, schema and query text. Each field is length-prefixed
// before hashing so "ab"+"c" and "a"+"bc" cannot collide. The result is
// process-local; it is deterministic within a run but not portable across
// restarts.
func ComputeFingerprint(hostgroupID uint32, username, schemaname, query string) uint64 {
	d := xxhash.New()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(hostgroupID))
	d.Write(buf[:])

	for _, field := range [...]string{username, schemaname, query} {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(field)))
		d.Write(buf[:])
		d.WriteString(field)
	}

	return d.Sum64()
}
