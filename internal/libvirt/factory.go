// Package libvirt is the production VM backend: domains and volumes
// managed through libvirtd over its local unix socket, with domain and
// volume XML built via libvirt.org/go/libvirtxml.
package libvirt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/cloudinit"
	"github.com/xfeldman/cirrus/internal/vm"
)

// Factory implements vm.Factory on top of a libvirtd connection.
type Factory struct {
	log  *zap.Logger
	lv   *libvirt.Libvirt
	pool string
}

// Connect dials libvirtd and returns a Factory creating volumes in
// poolName.
func Connect(log *zap.Logger, socketPath, poolName string) (*Factory, error) {
	if socketPath == "" {
		socketPath = "/var/run/libvirt/libvirt-sock"
	}
	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(5*time.Second),
	)
	lv := libvirt.NewWithDialer(dialer)
	if err := lv.Connect(); err != nil {
		return nil, fmt.Errorf("connect to libvirt at %s: %w", socketPath, err)
	}
	return &Factory{log: log, lv: lv, pool: poolName}, nil
}

// Close disconnects from libvirtd.
func (f *Factory) Close() error {
	return f.lv.Disconnect()
}

func bootVolumeName(name string) string { return name + "-boot.qcow2" }
func seedVolumeName(name string) string { return name + "-seed.iso" }
func baseVolumeName(digest string) string {
	return "base-" + strings.Replace(digest, ":", "_", 1) + ".img"
}

// CreateVirtualMachine returns a handle for desc's domain, defining it
// when it does not exist yet. Looking up first makes this double as the
// rehydration path after a daemon restart.
func (f *Factory) CreateVirtualMachine(_ context.Context, desc *vm.Description) (vm.VirtualMachine, error) {
	if dom, err := f.lv.DomainLookupByName(desc.Name); err == nil {
		return &machine{lv: f.lv, dom: dom}, nil
	}

	xml, err := domainXML(desc, f.pool)
	if err != nil {
		return nil, fmt.Errorf("build domain XML for %q: %w", desc.Name, err)
	}
	dom, err := f.lv.DomainDefineXML(xml)
	if err != nil {
		return nil, fmt.Errorf("define domain %q: %w", desc.Name, err)
	}
	f.log.Debug("domain defined", zap.String("instance", desc.Name))
	return &machine{lv: f.lv, dom: dom}, nil
}

// PrepareSourceImage uploads the fetched image into the storage pool as
// a shared base volume, keyed by digest so instances of the same image
// share it.
func (f *Factory) PrepareSourceImage(_ context.Context, img vm.Image) (vm.Image, error) {
	pool, err := f.lv.StoragePoolLookupByName(f.pool)
	if err != nil {
		return vm.Image{}, fmt.Errorf("lookup pool %q: %w", f.pool, err)
	}

	volName := baseVolumeName(img.Digest)
	if _, err := f.lv.StorageVolLookupByName(pool, volName); err == nil {
		img.Path = volName
		return img, nil
	}

	data, err := os.ReadFile(img.Path)
	if err != nil {
		return vm.Image{}, fmt.Errorf("read image %q: %w", img.Path, err)
	}
	if err := f.uploadVolume(pool, volName, data, "qcow2"); err != nil {
		return vm.Image{}, err
	}
	f.log.Info("base image uploaded",
		zap.String("volume", volName),
		zap.Int("bytes", len(data)))
	img.Path = volName
	return img, nil
}

// PrepareInstanceImage creates the instance's boot volume backed by the
// base volume, sized to the requested disk, and uploads the cloud-init
// seed ISO next to it.
func (f *Factory) PrepareInstanceImage(_ context.Context, img vm.Image, desc *vm.Description) error {
	pool, err := f.lv.StoragePoolLookupByName(f.pool)
	if err != nil {
		return fmt.Errorf("lookup pool %q: %w", f.pool, err)
	}

	base, err := f.lv.StorageVolLookupByName(pool, img.Path)
	if err != nil {
		return fmt.Errorf("lookup base volume %q: %w", img.Path, err)
	}
	basePath, err := f.lv.StorageVolGetPath(base)
	if err != nil {
		return fmt.Errorf("base volume path: %w", err)
	}

	bootXML, err := backedVolumeXML(bootVolumeName(desc.Name), desc.DiskSpace.Bytes(), basePath)
	if err != nil {
		return err
	}
	if _, err := f.lv.StorageVolCreateXML(pool, bootXML, 0); err != nil {
		return fmt.Errorf("create boot volume for %q: %w", desc.Name, err)
	}

	seed, err := cloudinit.GenerateSeedISO(desc, nil)
	if err != nil {
		return fmt.Errorf("build cloud-init seed for %q: %w", desc.Name, err)
	}
	if err := f.uploadVolume(pool, seedVolumeName(desc.Name), seed, "raw"); err != nil {
		return err
	}
	return nil
}

func (f *Factory) uploadVolume(pool libvirt.StoragePool, name string, data []byte, format string) error {
	xml, err := uploadVolumeXML(name, uint64(len(data)), format)
	if err != nil {
		return err
	}
	vol, err := f.lv.StorageVolCreateXML(pool, xml, 0)
	if err != nil {
		return fmt.Errorf("create volume %q: %w", name, err)
	}
	if err := f.lv.StorageVolUpload(vol, bytes.NewReader(data), 0, uint64(len(data)), 0); err != nil {
		return fmt.Errorf("upload volume %q: %w", name, err)
	}
	return nil
}

// RemoveResourcesFor tears down everything this backend may have made
// for name. Absent domains and volumes are fine; launch rollback calls
// this for instances that never finished materializing.
func (f *Factory) RemoveResourcesFor(_ context.Context, name string) error {
	if dom, err := f.lv.DomainLookupByName(name); err == nil {
		if err := f.lv.DomainDestroy(dom); err != nil {
			f.log.Debug("domain not running on removal", zap.String("instance", name), zap.Error(err))
		}
		if err := f.lv.DomainUndefine(dom); err != nil {
			return fmt.Errorf("undefine domain %q: %w", name, err)
		}
	}

	pool, err := f.lv.StoragePoolLookupByName(f.pool)
	if err != nil {
		return fmt.Errorf("lookup pool %q: %w", f.pool, err)
	}
	for _, volName := range []string{bootVolumeName(name), seedVolumeName(name)} {
		vol, err := f.lv.StorageVolLookupByName(pool, volName)
		if err != nil {
			continue
		}
		if err := f.lv.StorageVolDelete(vol, 0); err != nil {
			return fmt.Errorf("delete volume %q: %w", volName, err)
		}
	}
	return nil
}

// Networks lists host interfaces usable for bridged extra interfaces.
func (f *Factory) Networks() ([]vm.NetworkInterfaceInfo, error) {
	ifaces, _, err := f.lv.ConnectListAllInterfaces(1, 0)
	if err != nil {
		return nil, fmt.Errorf("list host interfaces: %w", err)
	}
	out := make([]vm.NetworkInterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, vm.NetworkInterfaceInfo{
			ID:          iface.Name,
			Type:        "ethernet",
			Description: iface.Mac,
		})
	}
	return out, nil
}
