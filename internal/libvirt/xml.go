package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/xfeldman/cirrus/internal/vm"
)

// domainXML builds the libvirt domain definition for desc: qcow2 boot
// disk and seed ISO from poolName, one virtio NIC per MAC. The default
// interface joins the libvirt "default" NAT network; extras bridge to
// their requested host interface.
func domainXML(desc *vm.Description, poolName string) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: desc.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(desc.MemSize.Bytes() / 1024),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(desc.NumCores),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{Mode: "host-passthrough"},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
					Source: &libvirtxml.DomainDiskSource{
						Volume: &libvirtxml.DomainDiskSourceVolume{
							Pool:   poolName,
							Volume: bootVolumeName(desc.Name),
						},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
				},
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
					Source: &libvirtxml.DomainDiskSource{
						Volume: &libvirtxml.DomainDiskSourceVolume{
							Pool:   poolName,
							Volume: seedVolumeName(desc.Name),
						},
					},
					Target:   &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Interfaces: domainInterfaces(desc),
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
				},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{Model: "virtio"},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
					},
				},
			},
		},
	}

	return domain.Marshal()
}

func domainInterfaces(desc *vm.Description) []libvirtxml.DomainInterface {
	ifaces := []libvirtxml.DomainInterface{
		{
			MAC: &libvirtxml.DomainInterfaceMAC{Address: desc.DefaultMAC},
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: "default"},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		},
	}
	for _, extra := range desc.ExtraInterfaces {
		ifaces = append(ifaces, libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{Address: extra.MACAddress},
			Source: &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: extra.ID},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		})
	}
	return ifaces
}

// backedVolumeXML describes an instance boot volume backed by the
// shared base image.
func backedVolumeXML(name string, capacityBytes uint64, backingPath string) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Name: name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: capacityBytes,
			Unit:  "bytes",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
		BackingStore: &libvirtxml.StorageVolumeBackingStore{
			Path:   backingPath,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
	}
	xml, err := vol.Marshal()
	if err != nil {
		return "", fmt.Errorf("build volume XML for %q: %w", name, err)
	}
	return xml, nil
}

// uploadVolumeXML describes a fixed-size volume (base images, seed
// ISOs) sized to the bytes about to be uploaded.
func uploadVolumeXML(name string, sizeBytes uint64, format string) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Name: name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: sizeBytes,
			Unit:  "bytes",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: format},
		},
	}
	xml, err := vol.Marshal()
	if err != nil {
		return "", fmt.Errorf("build volume XML for %q: %w", name, err)
	}
	return xml, nil
}
