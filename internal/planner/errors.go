package planner

import (
	"errors"
	"fmt"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/nodepath"
	"github.com/delphinos/delphinos-partition/internal/operation"
	"github.com/delphinos/delphinos-partition/internal/units"
)

var (
	// ErrInvalidSelection is returned when no device or partition is selected,
	// or the selection is of the wrong kind for the requested action.
	ErrInvalidSelection = device.ErrInvalidSelection
	// ErrUnsupportedDeviceType is returned when a partition node path cannot be predicted
	ErrUnsupportedDeviceType = nodepath.ErrUnsupportedDeviceType
	// ErrCannotCreateNew is returned when the backend rejects a planned partition
	ErrCannotCreateNew = errors.New("cannot create new partition")
	// ErrInsufficientSpace is returned when boot and root do not fit the free extent
	ErrInsufficientSpace = errors.New("insufficient space")
	// ErrPrimaryPartitionLimitExceeded is returned when an MBR table has no room for two more primaries
	ErrPrimaryPartitionLimitExceeded = errors.New("primary partition limit exceeded")
	// ErrAlreadyExists is returned when an install pair is already active
	ErrAlreadyExists = errors.New("system partitions already exist")
	// ErrUnmountFailed is returned when a partition could not be unmounted
	ErrUnmountFailed = errors.New("unmount failed")
	// ErrBackendExecutionFailed is returned when a backend step failed after validation
	ErrBackendExecutionFailed = operation.ErrBackendExecutionFailed
	// ErrSizeOutOfRange is returned for sizes outside the allowed bounds
	ErrSizeOutOfRange = errors.New("size out of range")
	// ErrUnsupportedFileSystem is returned for filesystems that cannot be created
	ErrUnsupportedFileSystem = errors.New("unsupported filesystem")
	// ErrStaleHandle is returned for handles from an earlier scan
	ErrStaleHandle = device.ErrStaleHandle
	// ErrCancelled is returned when a warning was declined
	ErrCancelled = errors.New("cancelled")
)

// InsufficientSpaceError reports how far a layout exceeds the free extent
type InsufficientSpaceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space: need %s but only %s available (%s over)",
		units.HumanSize(e.Required), units.HumanSize(e.Available), units.HumanSize(e.Overage()))
}

// Overage returns the number of bytes the layout is too large by
func (e *InsufficientSpaceError) Overage() int64 {
	return e.Required - e.Available
}

func (e *InsufficientSpaceError) Is(target error) bool {
	return target == ErrInsufficientSpace
}

func backendFailed(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendExecutionFailed, what, err)
}
