package api

import (
	"github.com/xfeldman/cirrus/internal/daemon"
	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

// LaunchRequest is the wire form of a launch call. Sizes use the human
// notation ("2G", "512M"); zero values mean defaults.
type LaunchRequest struct {
	Name     string           `json:"name,omitempty"`
	CPUs     int              `json:"cpus,omitempty"`
	Memory   string           `json:"memory,omitempty"`
	Disk     string           `json:"disk,omitempty"`
	Release  string           `json:"release,omitempty"`
	Remote   string           `json:"remote,omitempty"`
	Networks []NetworkRequest `json:"networks,omitempty"`
}

// NetworkRequest asks for one extra bridged interface.
type NetworkRequest struct {
	ID   string `json:"id"`
	MAC  string `json:"mac,omitempty"`
	Auto bool   `json:"auto,omitempty"`
}

// toDaemon converts the wire request, rejecting malformed sizes.
func (r LaunchRequest) toDaemon() (daemon.LaunchRequest, error) {
	out := daemon.LaunchRequest{
		Name:     r.Name,
		NumCores: r.CPUs,
		Release:  r.Release,
		Remote:   r.Remote,
	}
	if r.Memory != "" {
		size, err := memsize.Parse(r.Memory)
		if err != nil {
			return daemon.LaunchRequest{}, err
		}
		out.MemSize = size
	}
	if r.Disk != "" {
		size, err := memsize.Parse(r.Disk)
		if err != nil {
			return daemon.LaunchRequest{}, err
		}
		out.DiskSpace = size
	}
	for _, n := range r.Networks {
		out.Networks = append(out.Networks, daemon.NetworkOption{ID: n.ID, MAC: n.MAC, Auto: n.Auto})
	}
	return out, nil
}

// LaunchEvent is one line of the launch NDJSON stream.
type LaunchEvent struct {
	Type     string        `json:"type"` // "progress", "result", "error"
	Kind     string        `json:"kind,omitempty"`
	Percent  int           `json:"percent,omitempty"`
	Instance *InstanceView `json:"instance,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// InstanceView is the wire form of one instance.
type InstanceView struct {
	Name    string      `json:"name"`
	State   string      `json:"state"`
	Deleted bool        `json:"deleted,omitempty"`
	IPv4    string      `json:"ipv4,omitempty"`
	CPUs    int         `json:"cpus"`
	Memory  string      `json:"memory"`
	Disk    string      `json:"disk"`
	Mounts  []MountView `json:"mounts,omitempty"`
}

// MountView is the wire form of one recorded mount.
type MountView struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
}

func viewOf(info daemon.InstanceInfo) InstanceView {
	desc := info.Record.Description
	view := InstanceView{
		Name:    desc.Name,
		State:   info.Record.State.String(),
		Deleted: info.Record.Deleted,
		IPv4:    info.IPv4,
		CPUs:    desc.NumCores,
		Memory:  desc.MemSize.String(),
		Disk:    desc.DiskSpace.String(),
	}
	for _, m := range desc.Mounts {
		view.Mounts = append(view.Mounts, MountView{SourcePath: m.SourcePath, TargetPath: m.TargetPath})
	}
	return view
}

// NamesRequest is the body of batch lifecycle verbs. Empty means all.
type NamesRequest struct {
	Names []string `json:"names,omitempty"`
}

// OpOutcome is the per-name result of a batch verb.
type OpOutcome struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

func outcomesOf(results []daemon.OpResult) []OpOutcome {
	out := make([]OpOutcome, 0, len(results))
	for _, r := range results {
		o := OpOutcome{Name: r.Name}
		if r.Err != nil {
			o.Error = r.Err.Error()
		}
		out = append(out, o)
	}
	return out
}

// WorkflowView is one findable workflow.
type WorkflowView struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func workflowViews(infos []vm.WorkflowInfo) []WorkflowView {
	out := make([]WorkflowView, 0, len(infos))
	for _, w := range infos {
		out = append(out, WorkflowView{Name: w.Name, Description: w.Description})
	}
	return out
}

// NetworkView is one host interface usable for bridging.
type NetworkView struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// MountRequest records one host directory mount.
type MountRequest struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
}

// VersionResponse reports the daemon build version.
type VersionResponse struct {
	Version string `json:"version"`
}
