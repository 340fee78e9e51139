package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

func testRecord(name, mac string) InstanceRecord {
	return InstanceRecord{
		Description: vm.Description{
			Name:        name,
			NumCores:    2,
			MemSize:     memsize.MustParse("1G"),
			DiskSpace:   memsize.MustParse("5G"),
			DefaultMAC:  mac,
			SSHUsername: "ubuntu",
		},
		State: vm.StateOff,
	}
}

func TestLoadInstanceRecords_MissingFile(t *testing.T) {
	records, err := loadInstanceRecords(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("loadInstanceRecords: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestLoadInstanceRecords_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), instancesFilename)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadInstanceRecords(path); err == nil {
		t.Fatal("loadInstanceRecords accepted malformed file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), instancesFilename)

	rec := testRecord("real-instance", "52:54:00:12:34:56")
	rec.Description.ExtraInterfaces = []vm.NetworkInterface{
		{ID: "eth1", MACAddress: "52:54:00:65:43:21", AutoMode: true},
	}
	rec.Description.Mounts = []vm.Mount{{SourcePath: "/home/me", TargetPath: "/mnt/me"}}
	rec.Description.Metadata = map[string]any{"arguments": "some arguments"}
	rec.Deleted = true

	in := map[string]InstanceRecord{"real-instance": rec}
	if err := saveInstanceRecords(path, in); err != nil {
		t.Fatalf("saveInstanceRecords: %v", err)
	}

	out, err := loadInstanceRecords(path)
	if err != nil {
		t.Fatalf("loadInstanceRecords: %v", err)
	}
	got, ok := out["real-instance"]
	if !ok {
		t.Fatal("round trip lost the record")
	}
	if got.Description.NumCores != 2 {
		t.Errorf("NumCores = %d, want 2", got.Description.NumCores)
	}
	if got.Description.MemSize != memsize.MustParse("1G") {
		t.Errorf("MemSize = %v, want 1G", got.Description.MemSize)
	}
	if got.Description.DefaultMAC != "52:54:00:12:34:56" {
		t.Errorf("DefaultMAC = %q", got.Description.DefaultMAC)
	}
	if len(got.Description.ExtraInterfaces) != 1 || got.Description.ExtraInterfaces[0].MACAddress != "52:54:00:65:43:21" {
		t.Errorf("ExtraInterfaces = %v", got.Description.ExtraInterfaces)
	}
	if !got.Description.ExtraInterfaces[0].AutoMode {
		t.Error("AutoMode lost in round trip")
	}
	if len(got.Description.Mounts) != 1 || got.Description.Mounts[0].TargetPath != "/mnt/me" {
		t.Errorf("Mounts = %v", got.Description.Mounts)
	}
	if !got.Deleted {
		t.Error("Deleted flag lost in round trip")
	}
	if got.State != vm.StateOff {
		t.Errorf("State = %v, want %v", got.State, vm.StateOff)
	}
}

func TestLoadInstanceRecords_DropsGhosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), instancesFilename)

	// A real entry next to the kind of all-empty remnant a purge race
	// leaves behind.
	blob := `{
    "ghost": {
        "deleted": false,
        "disk_space": "",
        "extra_interfaces": [],
        "mac_addr": "",
        "mem_size": "",
        "metadata": {},
        "mounts": [],
        "num_cores": 0,
        "ssh_username": "",
        "state": 0
    },
    "real": {
        "deleted": false,
        "disk_space": "5368709120",
        "extra_interfaces": [],
        "mac_addr": "52:54:00:12:34:56",
        "mem_size": "1073741824",
        "metadata": {},
        "mounts": [],
        "num_cores": 1,
        "ssh_username": "ubuntu",
        "state": 1
    }
}`
	if err := os.WriteFile(path, []byte(blob), 0600); err != nil {
		t.Fatal(err)
	}

	records, err := loadInstanceRecords(path)
	if err != nil {
		t.Fatalf("loadInstanceRecords: %v", err)
	}
	if _, ok := records["ghost"]; ok {
		t.Error("ghost record survived load")
	}
	if _, ok := records["real"]; !ok {
		t.Error("real record dropped")
	}
}

func TestSaveInstanceRecords_GhostsNeverRewritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), instancesFilename)

	blob := `{
    "ghost": {
        "deleted": false, "disk_space": "", "extra_interfaces": [],
        "mac_addr": "", "mem_size": "", "metadata": {}, "mounts": [],
        "num_cores": 0, "ssh_username": "", "state": 0
    },
    "real": {
        "deleted": false, "disk_space": "5368709120", "extra_interfaces": [],
        "mac_addr": "52:54:00:12:34:56", "mem_size": "1073741824",
        "metadata": {}, "mounts": [], "num_cores": 1,
        "ssh_username": "ubuntu", "state": 1
    }
}`
	if err := os.WriteFile(path, []byte(blob), 0600); err != nil {
		t.Fatal(err)
	}
	records, err := loadInstanceRecords(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := saveInstanceRecords(path, records); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("rewritten file is not valid JSON: %v", err)
	}
	if _, ok := onDisk["ghost"]; ok {
		t.Error("ghost rewritten to disk")
	}
	if _, ok := onDisk["real"]; !ok {
		t.Error("real record missing after rewrite")
	}
}

func TestSaveInstanceRecords_SkipsTransientStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), instancesFilename)

	pending := testRecord("half-born", "52:54:00:00:00:01")
	pending.State = vm.StatePending
	broken := testRecord("casualty", "52:54:00:00:00:02")
	broken.State = vm.StateBroken
	steady := testRecord("survivor", "52:54:00:00:00:03")

	in := map[string]InstanceRecord{
		"half-born": pending,
		"casualty":  broken,
		"survivor":  steady,
	}
	if err := saveInstanceRecords(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := loadInstanceRecords(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out["half-born"]; ok {
		t.Error("pending record was persisted")
	}
	if _, ok := out["casualty"]; ok {
		t.Error("broken record was persisted")
	}
	if _, ok := out["survivor"]; !ok {
		t.Error("steady record missing")
	}
}

func TestSaveInstanceRecords_WireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), instancesFilename)

	if err := saveInstanceRecords(path, map[string]InstanceRecord{
		"wired": testRecord("wired", "52:54:00:aa:bb:cc"),
	}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	entry := onDisk["wired"]
	if entry == nil {
		t.Fatal("entry missing")
	}
	// Sizes are stringified byte counts, state an integer code.
	if got := entry["mem_size"]; got != "1073741824" {
		t.Errorf("mem_size = %v, want \"1073741824\"", got)
	}
	if got := entry["disk_space"]; got != "5368709120" {
		t.Errorf("disk_space = %v, want \"5368709120\"", got)
	}
	if got := entry["state"]; got != float64(vm.StateOff) {
		t.Errorf("state = %v, want %d", got, int(vm.StateOff))
	}
	for _, key := range []string{"deleted", "extra_interfaces", "mac_addr", "metadata", "mounts", "num_cores", "ssh_username"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("key %q missing from wire format", key)
		}
	}
}
