// Package shm manages the named shared-memory objects backing exchanges:
// create-or-open, mapping, and removal, including the startup sweep that
// purges segments left behind by a crashed process.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-shmex/internal/constants"
	"github.com/ehrlich-b/go-shmex/internal/logging"
)

// Name derives the OS-level object name for an exchange session.
func Name(instanceID string, sessionID uint64) string {
	return fmt.Sprintf("%s_%s_%d", constants.SegmentNamePrefix, instanceID, sessionID)
}

// InstancePrefix is the common prefix of every segment name belonging to one
// instance, used to filter the shared-memory directory during cleanup.
func InstancePrefix(instanceID string) string {
	return constants.SegmentNamePrefix + "_" + instanceID + "_"
}

// Segment is one mapping of a named shared-memory object. The owner created
// the OS object and will remove it on Close; a non-owner only unmaps.
type Segment struct {
	name   string
	owner  bool
	region []byte
}

// Create makes the named object, sizes it to one OS page, and maps it
// read/write. Fails if the name already exists; stale names from prior
// crashes are expected to have been swept by RemoveInstance at startup.
func Create(name string) (*Segment, error) {
	path := filepath.Join(constants.ShmDir, name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, constants.SegmentMode)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", name, err)
	}
	size := os.Getpagesize()
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("size segment %s to %d: %w", name, size, err)
	}
	region, err := mapRegion(fd, size)
	unix.Close(fd)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}
	return &Segment{name: name, owner: true, region: region}, nil
}

// Open maps an existing named object read/write. The opener must not
// reinitialize anything inside the region.
func Open(name string) (*Segment, error) {
	path := filepath.Join(constants.ShmDir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat segment %s: %w", name, err)
	}
	region, err := mapRegion(fd, int(st.Size))
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}
	return &Segment{name: name, owner: false, region: region}, nil
}

func mapRegion(fd, size int) ([]byte, error) {
	// MAP_POPULATE prefaults the single page so the protocol hot path
	// never takes a page fault while holding the header mutex.
	return unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

// Region returns the full mapped byte range, header included.
func (s *Segment) Region() []byte {
	return s.region
}

// Size returns the mapped length in bytes (one OS page).
func (s *Segment) Size() int {
	return len(s.region)
}

// Name returns the OS-level object name.
func (s *Segment) Name() string {
	return s.name
}

// Owner reports whether this process created the OS object.
func (s *Segment) Owner() bool {
	return s.owner
}

// Close unmaps the region. The owner additionally removes the named object,
// unless the retain toggle is set. Safe to call more than once.
func (s *Segment) Close() error {
	if s.region == nil {
		return nil
	}
	err := unix.Munmap(s.region)
	s.region = nil
	if s.owner && os.Getenv(constants.RetainSegmentsEnv) == "" {
		if uerr := Remove(s.name); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// Remove unlinks a named segment. A missing object is not an error; cleanup
// may already have raced with the owner's teardown.
func Remove(name string) error {
	err := unix.Unlink(filepath.Join(constants.ShmDir, name))
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// RemoveInstance unlinks every segment carrying the instance prefix and
// returns how many were removed. Idempotent; run it at process start to
// purge orphans from prior crashes.
func RemoveInstance(instanceID string) (int, error) {
	prefix := InstancePrefix(instanceID)
	entries, err := os.ReadDir(constants.ShmDir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", constants.ShmDir, err)
	}
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := Remove(e.Name()); err != nil {
			logging.Warn("failed to remove stale segment", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
