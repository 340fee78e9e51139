package daemon

import (
	"syscall"

	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

// Resource floors and defaults. Floors apply to explicit values even
// when no workflow imposes its own minimums.
var (
	minMemorySize = memsize.MustParse("128M")
	minDiskSize   = memsize.MustParse("512M")

	defaultMemorySize = memsize.MustParse("1G")
	defaultDiskSize   = memsize.MustParse("5G")
)

const (
	minCPUCores     = 1
	defaultCPUCores = 1
)

// filesystemBytesAvailable is swapped out in tests.
var filesystemBytesAvailable = func(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// validateResources fills unset description fields from the global
// defaults and rejects explicit values below the global floors. Workflow
// minimums, when a workflow applies, have already been enforced by the
// provider before this runs.
func validateResources(desc *vm.Description) error {
	if desc.NumCores == 0 {
		desc.NumCores = defaultCPUCores
	} else if desc.NumCores < minCPUCores {
		return errorf(ErrInsufficient, "requested CPUs (%d) below minimum (%d)", desc.NumCores, minCPUCores)
	}

	if desc.MemSize == 0 {
		desc.MemSize = defaultMemorySize
	} else if desc.MemSize < minMemorySize {
		return errorf(ErrInsufficient, "requested memory (%s) below minimum (%s)", desc.MemSize, minMemorySize)
	}

	if desc.DiskSpace == 0 {
		desc.DiskSpace = defaultDiskSize
	} else if desc.DiskSpace < minDiskSize {
		return errorf(ErrInsufficient, "requested disk (%s) below minimum (%s)", desc.DiskSpace, minDiskSize)
	}

	return nil
}

// validateDiskSpace checks the volume holding dataDir against the
// image's minimum (hard failure) and the requested reservation
// (warn-only: overcommit is allowed, under-provisioning is not).
func validateDiskSpace(log *zap.Logger, dataDir string, requested, imageMinimum memsize.Size) error {
	available, err := filesystemBytesAvailable(dataDir)
	if err != nil {
		return errorf(ErrInsufficient,
			"Failed to determine information about the volume containing %q: %v", dataDir, err)
	}

	if requested < imageMinimum {
		return errorf(ErrInsufficient,
			"Requested disk (%d bytes) below minimum for this image (%d bytes)",
			requested.Bytes(), imageMinimum.Bytes())
	}

	if available < imageMinimum.Bytes() {
		return errorf(ErrInsufficient,
			"Available disk (%d bytes) below minimum for this image (%d bytes)",
			available, imageMinimum.Bytes())
	}

	if requested.Bytes() > available {
		log.Warn("overcommitting disk",
			zap.String("detail", "Reserving more disk space than available"),
			zap.Uint64("requested_bytes", requested.Bytes()),
			zap.Uint64("available_bytes", available))
	}

	return nil
}
