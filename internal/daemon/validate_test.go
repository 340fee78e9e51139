package daemon

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

// withAvailableBytes swaps the filesystem probe for the duration of a
// test.
func withAvailableBytes(t *testing.T, available uint64, probeErr error) {
	t.Helper()
	orig := filesystemBytesAvailable
	filesystemBytesAvailable = func(string) (uint64, error) {
		if probeErr != nil {
			return 0, probeErr
		}
		return available, nil
	}
	t.Cleanup(func() { filesystemBytesAvailable = orig })
}

func TestValidateResources_FillsDefaults(t *testing.T) {
	desc := &vm.Description{Name: "fresh"}
	if err := validateResources(desc); err != nil {
		t.Fatalf("validateResources: %v", err)
	}
	if desc.NumCores != defaultCPUCores {
		t.Errorf("NumCores = %d, want %d", desc.NumCores, defaultCPUCores)
	}
	if desc.MemSize != defaultMemorySize {
		t.Errorf("MemSize = %v, want %v", desc.MemSize, defaultMemorySize)
	}
	if desc.DiskSpace != defaultDiskSize {
		t.Errorf("DiskSpace = %v, want %v", desc.DiskSpace, defaultDiskSize)
	}
}

func TestValidateResources_KeepsExplicitValues(t *testing.T) {
	desc := &vm.Description{
		Name:      "beefy",
		NumCores:  4,
		MemSize:   memsize.MustParse("2G"),
		DiskSpace: memsize.MustParse("20G"),
	}
	if err := validateResources(desc); err != nil {
		t.Fatalf("validateResources: %v", err)
	}
	if desc.NumCores != 4 || desc.MemSize != memsize.MustParse("2G") || desc.DiskSpace != memsize.MustParse("20G") {
		t.Errorf("explicit values changed: %d %v %v", desc.NumCores, desc.MemSize, desc.DiskSpace)
	}
}

func TestValidateResources_RejectsBelowFloors(t *testing.T) {
	cases := []struct {
		name string
		desc vm.Description
	}{
		{"memory", vm.Description{MemSize: memsize.MustParse("64M")}},
		{"disk", vm.Description{DiskSpace: memsize.MustParse("100M")}},
		{"cpus", vm.Description{NumCores: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc := tc.desc
			err := validateResources(&desc)
			if err == nil {
				t.Fatal("validateResources accepted below-minimum value")
			}
			if !errors.Is(err, ErrInsufficient) {
				t.Errorf("error kind = %v, want ErrInsufficient", err)
			}
		})
	}
}

func TestValidateDiskSpace_RequestedBelowImageMinimum(t *testing.T) {
	withAvailableBytes(t, 100*uint64(memsize.G), nil)

	requested := memsize.MustParse("1G")
	imageMin := memsize.MustParse("2G")
	err := validateDiskSpace(zap.NewNop(), t.TempDir(), requested, imageMin)
	if err == nil {
		t.Fatal("validateDiskSpace accepted under-provisioned request")
	}
	want := fmt.Sprintf("Requested disk (%d bytes) below minimum for this image (%d bytes)",
		requested.Bytes(), imageMin.Bytes())
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestValidateDiskSpace_AvailableBelowImageMinimum(t *testing.T) {
	available := uint64(memsize.G)
	withAvailableBytes(t, available, nil)

	imageMin := memsize.MustParse("2G")
	err := validateDiskSpace(zap.NewNop(), t.TempDir(), memsize.MustParse("5G"), imageMin)
	if err == nil {
		t.Fatal("validateDiskSpace accepted exhausted volume")
	}
	want := fmt.Sprintf("Available disk (%d bytes) below minimum for this image (%d bytes)",
		available, imageMin.Bytes())
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestValidateDiskSpace_OvercommitIsAllowed(t *testing.T) {
	withAvailableBytes(t, 3*uint64(memsize.G), nil)

	// More than available but the image fits: warn-only.
	err := validateDiskSpace(zap.NewNop(), t.TempDir(), memsize.MustParse("10G"), memsize.MustParse("2G"))
	if err != nil {
		t.Errorf("validateDiskSpace rejected overcommit: %v", err)
	}
}

func TestValidateDiskSpace_ProbeFailure(t *testing.T) {
	withAvailableBytes(t, 0, errors.New("no such device"))

	err := validateDiskSpace(zap.NewNop(), "/some/dir", memsize.MustParse("5G"), memsize.MustParse("1G"))
	if err == nil {
		t.Fatal("validateDiskSpace accepted unprobeable volume")
	}
	if !strings.Contains(err.Error(), "Failed to determine information about the volume containing") {
		t.Errorf("error = %q", err.Error())
	}
}
