package libvirt

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/xfeldman/cirrus/internal/vm"
)

// libvirt domain state codes (virDomainState).
const (
	domainRunning  = 1
	domainPaused   = 3
	domainShutdown = 4
	domainShutoff  = 5
)

// machine is one libvirt domain behind the vm.VirtualMachine interface.
type machine struct {
	lv  *libvirt.Libvirt
	dom libvirt.Domain
}

func (m *machine) Start(context.Context) error {
	if err := m.lv.DomainCreate(m.dom); err != nil {
		return fmt.Errorf("start domain %q: %w", m.dom.Name, err)
	}
	return nil
}

// Stop is the hard variant, used before delete.
func (m *machine) Stop(context.Context) error {
	if err := m.lv.DomainDestroy(m.dom); err != nil {
		if m.State() == vm.StateOff {
			return nil
		}
		return fmt.Errorf("stop domain %q: %w", m.dom.Name, err)
	}
	return nil
}

func (m *machine) Shutdown(context.Context) error {
	if err := m.lv.DomainShutdown(m.dom); err != nil {
		if m.State() == vm.StateOff {
			return nil
		}
		return fmt.Errorf("shut down domain %q: %w", m.dom.Name, err)
	}
	return nil
}

// Suspend uses a managed save so the state survives host reboots.
func (m *machine) Suspend(context.Context) error {
	if err := m.lv.DomainManagedSave(m.dom, 0); err != nil {
		return fmt.Errorf("suspend domain %q: %w", m.dom.Name, err)
	}
	return nil
}

func (m *machine) State() vm.State {
	state, _, err := m.lv.DomainGetState(m.dom, 0)
	if err != nil {
		return vm.StateOff
	}
	switch state {
	case domainRunning:
		return vm.StateRunning
	case domainPaused:
		return vm.StateSuspended
	case domainShutdown:
		return vm.StateStopping
	case domainShutoff:
		return vm.StateOff
	default:
		return vm.StateOff
	}
}

// IPv4 returns the first lease address of the first interface, or ""
// while the guest has none yet.
func (m *machine) IPv4() string {
	// 0 = VIR_DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE
	ifaces, err := m.lv.DomainInterfaceAddresses(m.dom, 0, 0)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == 0 { // VIR_IP_ADDR_TYPE_IPV4
				return addr.Addr
			}
		}
	}
	return ""
}
