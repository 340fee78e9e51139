// Package stub is a backend that materializes nothing: every operation
// succeeds in memory. Selected with `backend: stub` for development and
// end-to-end testing without libvirtd.
package stub

import (
	"context"
	"sync"

	"github.com/xfeldman/cirrus/internal/vm"
)

// Factory implements vm.Factory without touching the host.
type Factory struct {
	mu       sync.Mutex
	machines map[string]*machine
}

// NewFactory returns an empty stub backend.
func NewFactory() *Factory {
	return &Factory{machines: make(map[string]*machine)}
}

func (f *Factory) CreateVirtualMachine(_ context.Context, desc *vm.Description) (vm.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[desc.Name]
	if !ok {
		m = &machine{state: vm.StateOff}
		f.machines[desc.Name] = m
	}
	return m, nil
}

func (f *Factory) PrepareSourceImage(_ context.Context, img vm.Image) (vm.Image, error) {
	return img, nil
}

func (f *Factory) PrepareInstanceImage(context.Context, vm.Image, *vm.Description) error {
	return nil
}

func (f *Factory) RemoveResourcesFor(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.machines, name)
	return nil
}

func (f *Factory) Networks() ([]vm.NetworkInterfaceInfo, error) {
	return nil, vm.ErrNotImplemented
}

type machine struct {
	mu    sync.Mutex
	state vm.State
}

func (m *machine) set(s vm.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

func (m *machine) Start(context.Context) error    { return m.set(vm.StateRunning) }
func (m *machine) Stop(context.Context) error     { return m.set(vm.StateOff) }
func (m *machine) Shutdown(context.Context) error { return m.set(vm.StateOff) }
func (m *machine) Suspend(context.Context) error  { return m.set(vm.StateSuspended) }

func (m *machine) State() vm.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) IPv4() string { return "192.168.64.2" }
