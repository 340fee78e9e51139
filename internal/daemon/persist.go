package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

// instancesFilename is the snapshot file name under the data directory.
const instancesFilename = "cirrusd-vm-instances.json"

// InstanceRecord is the durable state of one instance.
type InstanceRecord struct {
	Description vm.Description
	State       vm.State
	Deleted     bool
}

// persistedRecord is the wire form of one snapshot entry. Sizes are
// stringified byte counts and state is an integer code — the format is
// shared with earlier implementations and must not drift.
type persistedRecord struct {
	Deleted         bool                  `json:"deleted"`
	DiskSpace       string                `json:"disk_space"`
	ExtraInterfaces []persistedInterface  `json:"extra_interfaces"`
	MacAddr         string                `json:"mac_addr"`
	MemSize         string                `json:"mem_size"`
	Metadata        map[string]any        `json:"metadata"`
	Mounts          []vm.Mount            `json:"mounts"`
	NumCores        int                   `json:"num_cores"`
	SSHUsername     string                `json:"ssh_username"`
	State           int                   `json:"state"`
}

type persistedInterface struct {
	AutoMode   bool   `json:"auto_mode"`
	ID         string `json:"id"`
	MacAddress string `json:"mac_address"`
}

// isGhost reports whether a persisted entry is a stale remnant of a
// purge race: every mandatory field at its zero value. Such entries are
// dropped on load and never rewritten.
func (r *persistedRecord) isGhost() bool {
	return r.NumCores == 0 &&
		sizeOrZero(r.MemSize) == 0 &&
		sizeOrZero(r.DiskSpace) == 0 &&
		r.MacAddr == "" &&
		r.SSHUsername == ""
}

func sizeOrZero(s string) memsize.Size {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return memsize.Size(n)
}

// loadInstanceRecords reads the snapshot at path. A missing file is an
// empty database. Ghost entries are skipped silently; a malformed file
// is an error (it likely holds real instances we must not clobber).
func loadInstanceRecords(path string) (map[string]InstanceRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]InstanceRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read instance database: %w", err)
	}

	var raw map[string]persistedRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse instance database: %w", err)
	}

	records := make(map[string]InstanceRecord, len(raw))
	for name, pr := range raw {
		if pr.isGhost() {
			continue
		}
		extras := make([]vm.NetworkInterface, 0, len(pr.ExtraInterfaces))
		for _, pi := range pr.ExtraInterfaces {
			extras = append(extras, vm.NetworkInterface{
				ID:         pi.ID,
				MACAddress: pi.MacAddress,
				AutoMode:   pi.AutoMode,
			})
		}
		records[name] = InstanceRecord{
			Description: vm.Description{
				Name:            name,
				NumCores:        pr.NumCores,
				MemSize:         sizeOrZero(pr.MemSize),
				DiskSpace:       sizeOrZero(pr.DiskSpace),
				DefaultMAC:      pr.MacAddr,
				ExtraInterfaces: extras,
				SSHUsername:     pr.SSHUsername,
				Metadata:        pr.Metadata,
				Mounts:          pr.Mounts,
			},
			State:   vm.State(pr.State),
			Deleted: pr.Deleted,
		}
	}
	return records, nil
}

// saveInstanceRecords rewrites the snapshot in full. The write goes to a
// temp file in the same directory followed by a rename, so a reader (or
// a crash) never observes a partial file. Pending and Broken records are
// transient and are not persisted.
func saveInstanceRecords(path string, records map[string]InstanceRecord) error {
	out := make(map[string]persistedRecord, len(records))
	for name, rec := range records {
		if rec.State == vm.StatePending || rec.State == vm.StateBroken {
			continue
		}
		d := rec.Description
		extras := make([]persistedInterface, 0, len(d.ExtraInterfaces))
		for _, iface := range d.ExtraInterfaces {
			extras = append(extras, persistedInterface{
				AutoMode:   iface.AutoMode,
				ID:         iface.ID,
				MacAddress: iface.MACAddress,
			})
		}
		metadata := d.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		mounts := d.Mounts
		if mounts == nil {
			mounts = []vm.Mount{}
		}
		out[name] = persistedRecord{
			Deleted:         rec.Deleted,
			DiskSpace:       strconv.FormatUint(d.DiskSpace.Bytes(), 10),
			ExtraInterfaces: extras,
			MacAddr:         d.DefaultMAC,
			MemSize:         strconv.FormatUint(d.MemSize.Bytes(), 10),
			Metadata:        metadata,
			Mounts:          mounts,
			NumCores:        d.NumCores,
			SSHUsername:     d.SSHUsername,
			State:           int(rec.State),
		}
	}

	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return fmt.Errorf("encode instance database: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cirrusd-instances-*")
	if err != nil {
		return fmt.Errorf("write instance database: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write instance database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write instance database: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace instance database: %w", err)
	}
	return nil
}
