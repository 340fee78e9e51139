package client

// LaunchRequest creates an instance. Sizes use the human notation
// ("2G", "512M"); zero values mean daemon defaults.
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

// LaunchEvent is one line of the launch NDJSON stream.
type LaunchEvent struct {
	Type     string    `json:"type"`
	Kind     string    `json:"kind,omitempty"`
	Percent  int       `json:"percent,omitempty"`
	Instance *Instance `json:"instance,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Instance is one instance as reported by the daemon.
type Instance struct {
	Name    string  `json:"name"`
	State   string  `json:"state"`
	Deleted bool    `json:"deleted,omitempty"`
	IPv4    string  `json:"ipv4,omitempty"`
	CPUs    int     `json:"cpus"`
	Memory  string  `json:"memory"`
	Disk    string  `json:"disk"`
	Mounts  []Mount `json:"mounts,omitempty"`
}

// Mount is one recorded host directory mount.
type Mount struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
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

// Workflow is one findable workflow.
type Workflow struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// NetworkInterface is one host interface usable for bridging.
type NetworkInterface struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// SSHDetails is what a client needs to reach an instance over SSH.
type SSHDetails struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
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
