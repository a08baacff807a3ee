package ingest

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// keyNamespace scopes content keys so they never collide with other
// name-based UUIDs.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("volumeqa:volume"))

// ContentKey derives the store key of a stack from its source names, shape
// and samples. Identical content always yields the same key, so reloading
// the same files replaces the cached volume instead of duplicating it.
func ContentKey(s *Stack) string {
	h := sha256.New()

	var buf [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	h.Write([]byte(s.Source))
	writeInt(len(s.Names))
	for _, name := range s.Names {
		writeInt(len(name))
		h.Write([]byte(name))
	}
	for _, d := range s.Shape.Slice() {
		writeInt(d)
	}
	for _, v := range s.Raw {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}

	return uuid.NewSHA1(keyNamespace, h.Sum(nil)).String()
}
