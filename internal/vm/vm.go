// Package vm defines the virtual machine description, lifecycle states,
// and the capability interfaces the daemon consumes. All daemon core
// logic is written against these interfaces — it never knows which
// backend, image vault, or workflow provider is active.
package vm

import (
	"context"
	"errors"

	"gopkg.in/yaml.v3"

	"github.com/xfeldman/cirrus/internal/memsize"
)

// ErrNotImplemented is returned by backends for capabilities they lack,
// e.g. Networks() on a backend without bridging support.
var ErrNotImplemented = errors.New("not implemented on this backend")

// ErrNoSuchWorkflow is returned by WorkflowProvider.FetchWorkflowFor
// when the requested name is not a workflow. The daemon then treats the
// name as a plain image query.
var ErrNoSuchWorkflow = errors.New("no such workflow")

// State is an instance lifecycle state. The integer values are part of
// the persisted snapshot format — append only, never reorder.
type State int

const (
	StatePending State = iota
	StateOff
	StateStarting
	StateRunning
	StateStopping
	StateSuspended
	StateRestarting
	StateDeleted
	StateBroken
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateOff:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateSuspended:
		return "Suspended"
	case StateRestarting:
		return "Restarting"
	case StateDeleted:
		return "Deleted"
	case StateBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// NetworkInterface describes one guest network interface.
type NetworkInterface struct {
	ID         string `json:"id"`
	MACAddress string `json:"mac_address"`
	AutoMode   bool   `json:"auto_mode"`
}

// Mount records a host directory mounted into the instance.
type Mount struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
}

// Description carries everything a backend needs to materialize an
// instance. It is assembled during launch validation and immutable once
// the instance leaves the pending phase, except for fields the running
// backend legitimately updates (discovered IP).
type Description struct {
	Name            string
	NumCores        int
	MemSize         memsize.Size
	DiskSpace       memsize.Size
	DefaultMAC      string
	ExtraInterfaces []NetworkInterface
	SSHUsername     string
	Metadata        map[string]any
	Mounts          []Mount

	// VendorDataConfig and NetworkDataConfig are cloud-init document
	// trees. A nil NetworkDataConfig means no network customization.
	VendorDataConfig  *yaml.Node
	NetworkDataConfig *yaml.Node
}

// AllMACs returns the default MAC followed by every extra-interface MAC.
func (d *Description) AllMACs() []string {
	macs := make([]string, 0, 1+len(d.ExtraInterfaces))
	if d.DefaultMAC != "" {
		macs = append(macs, d.DefaultMAC)
	}
	for _, iface := range d.ExtraInterfaces {
		macs = append(macs, iface.MACAddress)
	}
	return macs
}

// FetchType tells the vault how much of an image a backend needs.
type FetchType int

const (
	FetchImageOnly FetchType = iota
	FetchImageAndKernel
)

// Query identifies the image to fetch for a launch.
type Query struct {
	Name    string // instance name the query is for
	Release string // image alias, URL, or oci: reference
	Remote  string // remote/source name, empty for the default
}

// Image is a fetched, prepared VM image on local disk.
type Image struct {
	Path    string
	Digest  string
	Release string
}

// ProgressFunc reports fetch/prepare progress. Percent is -1 when the
// total is unknown. Returning false cancels the operation where the
// implementation supports it.
type ProgressFunc func(kind string, percent int) bool

// ImageVault fetches and caches VM images.
type ImageVault interface {
	FetchImage(ctx context.Context, ft FetchType, q Query, progress ProgressFunc) (Image, error)

	// MinimumImageSizeFor returns the smallest instance disk that can
	// hold the image identified by q.
	MinimumImageSizeFor(q Query) (memsize.Size, error)
}

// WorkflowProvider resolves named workflow templates. FetchWorkflowFor
// mutates desc in place: it fills unset resource fields from the
// workflow's minimums (rejecting set fields below them) and merges
// cloud-init fragments, then returns the image query to use.
type WorkflowProvider interface {
	FetchWorkflowFor(name string, desc *Description) (Query, error)
	InfoFor(name string) (WorkflowInfo, error)
	AllWorkflows() ([]WorkflowInfo, error)
}

// WorkflowInfo describes one available workflow.
type WorkflowInfo struct {
	Name        string
	Description string
}

// NameGenerator produces instance names when the caller supplies none.
type NameGenerator interface {
	MakeName() string
}

// NetworkInterfaceInfo describes one host interface usable for bridging.
type NetworkInterfaceInfo struct {
	ID          string
	Type        string
	Description string
}

// VirtualMachine is a backend handle for one materialized instance.
type VirtualMachine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Suspend(ctx context.Context) error
	State() State
	IPv4() string
}

// Factory materializes virtual machines. Implementations must make
// RemoveResourcesFor safe to call for names they never created — the
// daemon uses it as rollback after partial failures.
type Factory interface {
	CreateVirtualMachine(ctx context.Context, desc *Description) (VirtualMachine, error)
	PrepareSourceImage(ctx context.Context, img Image) (Image, error)
	PrepareInstanceImage(ctx context.Context, img Image, desc *Description) error
	RemoveResourcesFor(ctx context.Context, name string) error

	// Networks lists host interfaces available for bridging. Backends
	// without bridging return ErrNotImplemented.
	Networks() ([]NetworkInterfaceInfo, error)
}
