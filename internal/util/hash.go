// Package util provides shared utility functions.
package util

import "hash/fnv"

// Fingerprint computes a 4-byte FNV hash of a session description so log
// lines can tell descriptions apart without printing SDP bodies. It is used
// solely for identification and does not need to be reversible.
func Fingerprint(sdp string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(sdp))
	return h.Sum32()
}

// ShortID returns the first 8 characters of an identifier for log prefixes.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
