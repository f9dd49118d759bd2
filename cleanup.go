package shmex

import "github.com/ehrlich-b/go-shmex/internal/shm"

// SegmentName returns the OS-level object name for a session, as derived by
// Create and Open.
func SegmentName(instanceID string, sessionID uint64) string {
	return shm.Name(instanceID, sessionID)
}

// CleanupInstance removes every leftover named segment belonging to
// instanceID and returns how many were unlinked. Idempotent; run it at
// process start to purge segments orphaned by prior crashes. Live endpoints
// of the instance keep their mappings, but their OS names are gone, so
// fresh sessions can reuse the ids.
func CleanupInstance(instanceID string) (int, error) {
	return shm.RemoveInstance(instanceID)
}
