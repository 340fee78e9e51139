package daemon

import (
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/vm"
)

// instanceEntry pairs an instance's durable record with its live backend
// handle. machine is nil when the backend could not rehydrate the
// instance at startup; the record is kept regardless — recovery never
// drops user instances, only ghosts.
type instanceEntry struct {
	record  InstanceRecord
	machine vm.VirtualMachine
}

// registry is the authoritative in-memory instance map plus the derived
// MAC index and the snapshot path. It is not safe for concurrent use;
// the Daemon's lock covers every access.
type registry struct {
	entries map[string]*instanceEntry
	macs    *macPool
	dbPath  string
}

func newRegistry(dataDir string) *registry {
	return &registry{
		entries: make(map[string]*instanceEntry),
		macs:    newMACPool(),
		dbPath:  filepath.Join(dataDir, instancesFilename),
	}
}

// load reads the snapshot, drops ghosts (inside loadInstanceRecords) and
// rebuilds the MAC index as the union of every surviving record's
// addresses.
func (r *registry) load(log *zap.Logger) error {
	records, err := loadInstanceRecords(r.dbPath)
	if err != nil {
		return err
	}
	for name, rec := range records {
		rec := rec
		r.entries[name] = &instanceEntry{record: rec}
		for _, mac := range rec.Description.AllMACs() {
			// Union semantics: a MAC listed twice in the file collapses
			// to one reservation.
			if !r.macs.Reserved(mac) {
				if err := r.macs.Claim(mac); err != nil {
					log.Warn("skipping unparsable MAC from instance database",
						zap.String("instance", name), zap.String("mac", mac))
				}
			}
		}
	}
	if len(r.entries) > 0 {
		log.Info("loaded instance database", zap.Int("instances", len(r.entries)))
	}
	return nil
}

// save rewrites the snapshot from the current records. Called while the
// mutating operation still holds the lock, before it reports success.
func (r *registry) save() error {
	records := make(map[string]InstanceRecord, len(r.entries))
	for name, e := range r.entries {
		records[name] = e.record
	}
	if err := saveInstanceRecords(r.dbPath, records); err != nil {
		return errorf(ErrPersistenceWrite, "%v", err)
	}
	return nil
}

// names returns all instance names in sorted order, optionally including
// soft-deleted ones.
func (r *registry) names(includeDeleted bool) []string {
	out := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.record.Deleted && !includeDeleted {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// releaseMACsOf drops every MAC reservation held by e's record.
func (r *registry) releaseMACsOf(e *instanceEntry) {
	r.macs.ReleaseAll(e.record.Description.AllMACs())
}
