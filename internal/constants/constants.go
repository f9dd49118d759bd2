package constants

import "time"

// Segment naming constants
const (
	// SegmentNamePrefix is the leading component of every segment name.
	// Full names are "<prefix>_<instance_id>_<session_id>".
	SegmentNamePrefix = "yb_pg"

	// ShmDir is where named shared-memory objects live on Linux.
	ShmDir = "/dev/shm"

	// SegmentMode is the file mode for newly created segments. Both sides
	// run as the same user on the same host, so owner access is enough.
	SegmentMode = 0o600
)

// Environment toggles
const (
	// RetainSegmentsEnv, when set to a non-empty value, suppresses unlink
	// of the named segment on owner close. Tests use it to inspect
	// segments post-mortem.
	RetainSegmentsEnv = "SHMEX_RETAIN_SEGMENTS"
)

// Timing constants
const (
	// DefaultSendTimeout is the deadline applied by callers that have none
	// of their own (demo binary, soak runs). Library code never applies it
	// implicitly.
	DefaultSendTimeout = 5 * time.Second
)
