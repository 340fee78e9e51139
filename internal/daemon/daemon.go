// Package daemon implements the cirrusd lifecycle orchestrator: the
// authoritative instance registry, MAC address allocation, resource
// validation, and the state machine driving every instance from launch
// through purge. All backend work goes through the capability
// interfaces in internal/vm; the orchestrator itself never talks to
// libvirt, the image vault, or the network.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/config"
	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/version"
	"github.com/xfeldman/cirrus/internal/vm"
)

// Daemon owns the instance registry and serializes every mutation over
// it. One RWMutex guards the registry, the MAC pool, and the snapshot
// file as a unit; launch holds it for the whole operation, so creations
// serialize. Reads take the read lock and copy.
type Daemon struct {
	cfg       *config.Config
	log       *zap.Logger
	factory   vm.Factory
	vault     vm.ImageVault
	workflows vm.WorkflowProvider
	namegen   vm.NameGenerator

	mu  sync.RWMutex
	reg *registry
}

// New builds the daemon and performs startup recovery: the snapshot is
// loaded (ghosts dropped), the MAC pool rebuilt from the survivors, and
// a backend handle rehydrated for each non-deleted record. A record
// whose handle cannot be rehydrated is kept with its best-known state;
// recovery never discards user instances.
func New(cfg *config.Config, log *zap.Logger, factory vm.Factory, vault vm.ImageVault,
	workflows vm.WorkflowProvider, namegen vm.NameGenerator) (*Daemon, error) {

	d := &Daemon{
		cfg:       cfg,
		log:       log,
		factory:   factory,
		vault:     vault,
		workflows: workflows,
		namegen:   namegen,
		reg:       newRegistry(cfg.DataDir),
	}
	if err := d.reg.load(log); err != nil {
		return nil, fmt.Errorf("loading instance database: %w", err)
	}

	ctx := context.Background()
	for name, e := range d.reg.entries {
		if e.record.Deleted {
			continue
		}
		machine, err := factory.CreateVirtualMachine(ctx, &e.record.Description)
		if err != nil {
			log.Warn("cannot rehydrate instance, keeping record",
				zap.String("instance", name), zap.Error(err))
			continue
		}
		e.machine = machine
		if st := machine.State(); st != vm.StatePending {
			e.record.State = st
		}
	}
	instancesGauge.Set(float64(len(d.reg.entries)))
	return d, nil
}

// NetworkOption is one requested extra interface on launch.
type NetworkOption struct {
	ID   string
	MAC  string
	Auto bool
}

// LaunchRequest carries the client's launch parameters. Zero resource
// fields mean "use the default"; an empty Name means "generate one".
type LaunchRequest struct {
	Name      string
	NumCores  int
	MemSize   memsize.Size
	DiskSpace memsize.Size
	Release   string
	Remote    string
	Networks  []NetworkOption
}

// Launch creates and starts a new instance. On any failure after
// resources were reserved, every reservation is undone: MACs released,
// the pending record removed, backend resources cleaned up. The
// registry ends in exactly the state it had before the call.
func (d *Daemon) Launch(ctx context.Context, req LaunchRequest, progress vm.ProgressFunc) (rec InstanceRecord, err error) {
	defer func() { countOp("launch", err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	name := req.Name
	if name != "" {
		if !ValidInstanceName(name) {
			return InstanceRecord{}, errorf(ErrValidation, "invalid instance name %q", name)
		}
		if _, taken := d.reg.entries[name]; taken {
			return InstanceRecord{}, nameAlreadyInUse(name)
		}
	} else {
		for {
			name = d.namegen.MakeName()
			if _, taken := d.reg.entries[name]; !taken {
				break
			}
		}
	}

	desc := vm.Description{
		Name:        name,
		NumCores:    req.NumCores,
		MemSize:     req.MemSize,
		DiskSpace:   req.DiskSpace,
		SSHUsername: d.cfg.DefaultSSHUsername,
	}

	query := vm.Query{Name: name, Release: req.Release, Remote: req.Remote}
	if req.Remote == "" && req.Release != "" {
		wq, werr := d.workflows.FetchWorkflowFor(req.Release, &desc)
		switch {
		case werr == nil:
			query = wq
			query.Name = name
		case errors.Is(werr, vm.ErrNoSuchWorkflow):
			// Plain image alias, not a workflow.
		default:
			return InstanceRecord{}, errorf(ErrValidation, "%v", werr)
		}
	}

	if err := validateResources(&desc); err != nil {
		return InstanceRecord{}, err
	}

	if len(req.Networks) > 0 {
		if err := d.checkNetworkOptions(req.Networks); err != nil {
			return InstanceRecord{}, err
		}
	}

	imageMin, err := d.vault.MinimumImageSizeFor(query)
	if err != nil {
		return InstanceRecord{}, errorf(ErrValidation, "%v", err)
	}
	if err := validateDiskSpace(d.log, d.cfg.DataDir, desc.DiskSpace, imageMin); err != nil {
		return InstanceRecord{}, err
	}

	// Reserve MACs. A partial claim failure releases what was claimed
	// so far and reports the offending address.
	var claimed []string
	releaseClaimed := func() { d.reg.macs.ReleaseAll(claimed) }

	desc.DefaultMAC = d.reg.macs.Generate()
	claimed = append(claimed, desc.DefaultMAC)
	for _, opt := range req.Networks {
		mac := opt.MAC
		if mac == "" {
			mac = d.reg.macs.Generate()
		} else if err := d.reg.macs.Claim(mac); err != nil {
			releaseClaimed()
			return InstanceRecord{}, err
		}
		claimed = append(claimed, mac)
		desc.ExtraInterfaces = append(desc.ExtraInterfaces, vm.NetworkInterface{
			ID:         opt.ID,
			MACAddress: mac,
			AutoMode:   opt.Auto,
		})
	}

	entry := &instanceEntry{record: InstanceRecord{Description: desc, State: vm.StatePending}}
	d.reg.entries[name] = entry

	rollback := func() {
		delete(d.reg.entries, name)
		releaseClaimed()
		if rerr := d.factory.RemoveResourcesFor(ctx, name); rerr != nil {
			d.log.Warn("rollback cleanup failed", zap.String("instance", name), zap.Error(rerr))
		}
	}

	img, err := d.vault.FetchImage(ctx, vm.FetchImageOnly, query, progress)
	if err != nil {
		rollback()
		return InstanceRecord{}, errorf(ErrBackend, "fetching image for %q: %v", name, err)
	}
	img, err = d.factory.PrepareSourceImage(ctx, img)
	if err != nil {
		rollback()
		return InstanceRecord{}, errorf(ErrBackend, "preparing source image for %q: %v", name, err)
	}

	machine, err := d.factory.CreateVirtualMachine(ctx, &desc)
	if err != nil {
		rollback()
		return InstanceRecord{}, errorf(ErrBackend, "creating %q: %v", name, err)
	}
	if err := d.factory.PrepareInstanceImage(ctx, img, &desc); err != nil {
		rollback()
		return InstanceRecord{}, errorf(ErrBackend, "preparing instance image for %q: %v", name, err)
	}

	// Creation succeeded: the instance exists from here on. A failed
	// start leaves it Stopped rather than rolled back.
	entry.machine = machine
	entry.record.State = vm.StateOff

	startErr := machine.Start(ctx)
	if startErr == nil {
		entry.record.State = vm.StateRunning
	}

	if err := d.reg.save(); err != nil {
		return InstanceRecord{}, err
	}
	instancesGauge.Set(float64(len(d.reg.entries)))

	if startErr != nil {
		return entry.record, errorf(ErrBackend, "starting %q: %v", name, startErr)
	}
	d.log.Info("instance launched",
		zap.String("instance", name),
		zap.Int("cpus", desc.NumCores),
		zap.Stringer("memory", desc.MemSize),
		zap.Stringer("disk", desc.DiskSpace))
	return entry.record, nil
}

// checkNetworkOptions validates requested extra interfaces against the
// backend's bridgeable host interfaces. Caller holds the lock.
func (d *Daemon) checkNetworkOptions(opts []NetworkOption) error {
	ifaces, err := d.factory.Networks()
	if err != nil {
		if errors.Is(err, vm.ErrNotImplemented) {
			return errorf(ErrNotImplemented, "The bridging feature is not implemented on this backend")
		}
		return errorf(ErrBackend, "listing host networks: %v", err)
	}
	known := make(map[string]struct{}, len(ifaces))
	for _, i := range ifaces {
		known[i.ID] = struct{}{}
	}
	for _, opt := range opts {
		if _, ok := known[opt.ID]; !ok {
			return errorf(ErrValidation, "Invalid network options supplied")
		}
		if opt.MAC != "" && !ValidMAC(opt.MAC) {
			return errorf(ErrValidation, "Invalid network options supplied")
		}
	}
	return nil
}

// OpResult is the per-name outcome of a batch verb.
type OpResult struct {
	Name string
	Err  error
}

// forEach runs op for every requested name under the write lock. An
// empty names slice targets every non-deleted instance. Per-name
// failures never abort siblings. The snapshot is rewritten once at the
// end when anything may have changed.
func (d *Daemon) forEach(verb string, names []string, op func(name string, e *instanceEntry) error) []OpResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(names) == 0 {
		names = d.reg.names(false)
	}

	results := make([]OpResult, 0, len(names))
	mutated := false
	for _, name := range names {
		e, ok := d.reg.entries[name]
		var err error
		switch {
		case !ok || e.record.Deleted:
			err = instanceNotFound(name)
		default:
			before := e.record.State
			err = op(name, e)
			mutated = mutated || e.record.State != before
		}
		countOp(verb, err)
		results = append(results, OpResult{Name: name, Err: err})
	}

	if mutated {
		if err := d.reg.save(); err != nil {
			results = append(results, OpResult{Name: instancesFilename, Err: err})
		}
	}
	return results
}

// requireMachine returns the live backend handle or a backend error for
// records that survived recovery without one.
func requireMachine(name string, e *instanceEntry) (vm.VirtualMachine, error) {
	if e.machine == nil {
		return nil, errorf(ErrBackend, "instance %q has no backend handle", name)
	}
	return e.machine, nil
}

// Start starts the named instances, or all instances when names is
// empty. Starting a running instance is a no-op.
func (d *Daemon) Start(ctx context.Context, names []string) []OpResult {
	return d.forEach("start", names, func(name string, e *instanceEntry) error {
		machine, err := requireMachine(name, e)
		if err != nil {
			return err
		}
		if e.record.State == vm.StateRunning {
			return nil
		}
		e.record.State = vm.StateStarting
		if err := machine.Start(ctx); err != nil {
			e.record.State = machine.State()
			return errorf(ErrBackend, "starting %q: %v", name, err)
		}
		e.record.State = vm.StateRunning
		return nil
	})
}

// Stop gracefully shuts down the named instances, or all when names is
// empty. Stopping a stopped instance is a no-op.
func (d *Daemon) Stop(ctx context.Context, names []string) []OpResult {
	return d.forEach("stop", names, func(name string, e *instanceEntry) error {
		machine, err := requireMachine(name, e)
		if err != nil {
			return err
		}
		if e.record.State == vm.StateOff {
			return nil
		}
		e.record.State = vm.StateStopping
		if err := machine.Shutdown(ctx); err != nil {
			e.record.State = machine.State()
			return errorf(ErrBackend, "stopping %q: %v", name, err)
		}
		e.record.State = vm.StateOff
		return nil
	})
}

// Restart stops and starts the named instances. Only running instances
// can be restarted. A client that gives up waiting cancels only its own
// wait; the operation itself runs to completion.
func (d *Daemon) Restart(ctx context.Context, names []string) []OpResult {
	return d.forEach("restart", names, func(name string, e *instanceEntry) error {
		machine, err := requireMachine(name, e)
		if err != nil {
			return err
		}
		if e.record.State != vm.StateRunning {
			return errorf(ErrValidation, "instance %q is not running", name)
		}
		e.record.State = vm.StateRestarting
		if err := machine.Shutdown(ctx); err != nil {
			e.record.State = machine.State()
			return errorf(ErrBackend, "restarting %q: %v", name, err)
		}
		if err := machine.Start(ctx); err != nil {
			e.record.State = machine.State()
			return errorf(ErrBackend, "restarting %q: %v", name, err)
		}
		e.record.State = vm.StateRunning
		return nil
	})
}

// Suspend suspends the named running instances.
func (d *Daemon) Suspend(ctx context.Context, names []string) []OpResult {
	return d.forEach("suspend", names, func(name string, e *instanceEntry) error {
		machine, err := requireMachine(name, e)
		if err != nil {
			return err
		}
		if e.record.State != vm.StateRunning {
			return errorf(ErrValidation, "instance %q is not running", name)
		}
		if err := machine.Suspend(ctx); err != nil {
			return errorf(ErrBackend, "suspending %q: %v", name, err)
		}
		e.record.State = vm.StateSuspended
		return nil
	})
}

// Delete soft-deletes the named instances; with purge it removes them
// outright and releases their MACs. A soft-deleted instance keeps its
// record and MAC reservations until purged or recovered.
func (d *Daemon) Delete(ctx context.Context, names []string, purge bool) []OpResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(names) == 0 {
		names = d.reg.names(false)
	}

	results := make([]OpResult, 0, len(names))
	for _, name := range names {
		err := d.deleteOne(ctx, name, purge)
		countOp("delete", err)
		results = append(results, OpResult{Name: name, Err: err})
	}

	if err := d.reg.save(); err != nil {
		results = append(results, OpResult{Name: instancesFilename, Err: err})
	}
	instancesGauge.Set(float64(len(d.reg.entries)))
	return results
}

// deleteOne handles one name for Delete. Caller holds the lock.
func (d *Daemon) deleteOne(ctx context.Context, name string, purge bool) error {
	e, ok := d.reg.entries[name]
	if !ok {
		return instanceNotFound(name)
	}
	if e.machine != nil && e.record.State != vm.StateOff {
		if err := e.machine.Stop(ctx); err != nil {
			d.log.Warn("stop before delete failed", zap.String("instance", name), zap.Error(err))
		}
	}
	e.record.Deleted = true
	e.record.State = vm.StateDeleted
	if purge {
		d.purgeEntry(ctx, name, e)
	}
	return nil
}

// purgeEntry removes an entry permanently. Caller holds the lock.
func (d *Daemon) purgeEntry(ctx context.Context, name string, e *instanceEntry) {
	d.reg.releaseMACsOf(e)
	delete(d.reg.entries, name)
	if err := d.factory.RemoveResourcesFor(ctx, name); err != nil {
		d.log.Warn("removing backend resources failed", zap.String("instance", name), zap.Error(err))
	}
}

// Purge permanently removes every soft-deleted instance and releases
// its MACs. Purging with nothing deleted is a successful no-op that
// still rewrites the snapshot.
func (d *Daemon) Purge(ctx context.Context) (err error) {
	defer func() { countOp("purge", err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	for name, e := range d.reg.entries {
		if e.record.Deleted {
			d.purgeEntry(ctx, name, e)
		}
	}
	err = d.reg.save()
	instancesGauge.Set(float64(len(d.reg.entries)))
	return err
}

// Recover reverses a soft delete: the record is kept, so recovery
// clears the flag and reports the instance stopped. Deleted records are
// skipped by startup rehydration, so a recover after a daemon restart
// acquires the backend handle here.
func (d *Daemon) Recover(ctx context.Context, names []string) []OpResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	results := make([]OpResult, 0, len(names))
	mutated := false
	for _, name := range names {
		var err error
		e, ok := d.reg.entries[name]
		switch {
		case !ok:
			err = instanceNotFound(name)
		case !e.record.Deleted:
			err = errorf(ErrValidation, "instance %q has not been deleted", name)
		default:
			e.record.Deleted = false
			e.record.State = vm.StateOff
			if e.machine == nil {
				machine, cerr := d.factory.CreateVirtualMachine(ctx, &e.record.Description)
				if cerr != nil {
					d.log.Warn("cannot rehydrate recovered instance",
						zap.String("instance", name), zap.Error(cerr))
				} else {
					e.machine = machine
				}
			}
			mutated = true
		}
		countOp("recover", err)
		results = append(results, OpResult{Name: name, Err: err})
	}
	if mutated {
		if err := d.reg.save(); err != nil {
			results = append(results, OpResult{Name: instancesFilename, Err: err})
		}
	}
	return results
}

// InstanceInfo is a read-only view of one instance.
type InstanceInfo struct {
	Record InstanceRecord
	IPv4   string
}

// List returns a consistent snapshot of every instance, including
// soft-deleted ones, sorted by name. It never persists.
func (d *Daemon) List() []InstanceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]InstanceInfo, 0, len(d.reg.entries))
	for _, name := range d.reg.names(true) {
		out = append(out, d.infoOf(d.reg.entries[name]))
	}
	return out
}

// Info returns the view of one instance.
func (d *Daemon) Info(name string) (InstanceInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.reg.entries[name]
	if !ok {
		return InstanceInfo{}, instanceNotFound(name)
	}
	return d.infoOf(e), nil
}

// infoOf copies an entry into its read-only view. Caller holds a lock.
func (d *Daemon) infoOf(e *instanceEntry) InstanceInfo {
	info := InstanceInfo{Record: e.record}
	if e.machine != nil && e.record.State == vm.StateRunning {
		info.IPv4 = e.machine.IPv4()
	}
	return info
}

// Find lists the workflows available for launch.
func (d *Daemon) Find() ([]vm.WorkflowInfo, error) {
	return d.workflows.AllWorkflows()
}

// Networks lists host interfaces usable for bridging.
func (d *Daemon) Networks() ([]vm.NetworkInterfaceInfo, error) {
	ifaces, err := d.factory.Networks()
	if errors.Is(err, vm.ErrNotImplemented) {
		return nil, errorf(ErrNotImplemented, "The bridging feature is not implemented on this backend")
	}
	return ifaces, err
}

// Mount records a host directory mount in the instance. The data path
// itself is the backend's concern; the daemon owns the durable table.
func (d *Daemon) Mount(name, sourcePath, targetPath string) (err error) {
	defer func() { countOp("mount", err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.reg.entries[name]
	if !ok || e.record.Deleted {
		return instanceNotFound(name)
	}
	for _, m := range e.record.Description.Mounts {
		if m.TargetPath == targetPath {
			return errorf(ErrConflict, "%q is already mounted in %q", targetPath, name)
		}
	}
	e.record.Description.Mounts = append(e.record.Description.Mounts, vm.Mount{
		SourcePath: sourcePath,
		TargetPath: targetPath,
	})
	return d.reg.save()
}

// Umount removes the mount at targetPath, or every mount when
// targetPath is empty.
func (d *Daemon) Umount(name, targetPath string) (err error) {
	defer func() { countOp("umount", err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.reg.entries[name]
	if !ok || e.record.Deleted {
		return instanceNotFound(name)
	}
	if targetPath == "" {
		e.record.Description.Mounts = nil
		return d.reg.save()
	}
	mounts := e.record.Description.Mounts
	for i, m := range mounts {
		if m.TargetPath == targetPath {
			e.record.Description.Mounts = append(mounts[:i:i], mounts[i+1:]...)
			return d.reg.save()
		}
	}
	return errorf(ErrNotFound, "%q is not mounted in %q", targetPath, name)
}

// SSHDetails is what a client needs to reach an instance over SSH.
type SSHDetails struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// SSHInfo returns connection details for a running instance.
func (d *Daemon) SSHInfo(name string) (SSHDetails, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.reg.entries[name]
	if !ok || e.record.Deleted {
		return SSHDetails{}, instanceNotFound(name)
	}
	if e.record.State != vm.StateRunning || e.machine == nil {
		return SSHDetails{}, errorf(ErrValidation, "instance %q is not running", name)
	}
	return SSHDetails{
		Host:     e.machine.IPv4(),
		Port:     22,
		Username: e.record.Description.SSHUsername,
	}, nil
}

// Version returns the daemon build version.
func (d *Daemon) Version() string {
	return version.Version()
}
