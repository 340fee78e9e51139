package workflow

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

const devWorkflow = `description: A developer box
version: v1
instances:
  dev-box:
    image: jammy
    limits:
      min-cpu: 2
      min-mem: 2G
      min-disk: 10G
    cloud-init:
      vendor-data:
        packages:
          - build-essential
`

const plainWorkflow = `description: Nothing special
version: v1
instances:
  plain-box:
    image: noble
`

// zipArchive packs named YAML documents the way the upstream archive
// lays them out.
func zipArchive(t *testing.T, docs map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range docs {
		w, err := zw.Create("workflows-main/v1/" + name + ".yaml")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestProvider(t *testing.T, archive []byte, fail *atomic.Bool) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.Write(archive)
	}))
	t.Cleanup(srv.Close)
	return NewProvider(zap.NewNop(), srv.URL, t.TempDir(), time.Minute)
}

func TestFetchWorkflowFor_FillsMinimums(t *testing.T) {
	p := newTestProvider(t, zipArchive(t, map[string]string{"dev-box": devWorkflow}), nil)

	desc := &vm.Description{Name: "dev-box"}
	q, err := p.FetchWorkflowFor("dev-box", desc)
	if err != nil {
		t.Fatalf("FetchWorkflowFor: %v", err)
	}
	if q.Release != "jammy" {
		t.Errorf("Release = %q, want jammy", q.Release)
	}
	if desc.NumCores != 2 {
		t.Errorf("NumCores = %d, want 2", desc.NumCores)
	}
	if desc.MemSize != memsize.MustParse("2G") {
		t.Errorf("MemSize = %v, want 2G", desc.MemSize)
	}
	if desc.DiskSpace != memsize.MustParse("10G") {
		t.Errorf("DiskSpace = %v, want 10G", desc.DiskSpace)
	}
	if desc.VendorDataConfig == nil {
		t.Error("vendor data not merged")
	}
}

func TestFetchWorkflowFor_RejectsBelowMinimums(t *testing.T) {
	archive := zipArchive(t, map[string]string{"dev-box": devWorkflow})

	cases := []struct {
		name string
		desc vm.Description
		want string
	}{
		{"cpus", vm.Description{Name: "dev-box", NumCores: 1}, "Number of CPUs is below the workflow minimum"},
		{"memory", vm.Description{Name: "dev-box", MemSize: memsize.MustParse("1G")}, "Memory size is below the workflow minimum"},
		{"disk", vm.Description{Name: "dev-box", DiskSpace: memsize.MustParse("5G")}, "Disk space is below the workflow minimum"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProvider(t, archive, nil)
			desc := tc.desc
			_, err := p.FetchWorkflowFor("dev-box", &desc)
			if err == nil {
				t.Fatal("below-minimum request accepted")
			}
			if err.Error() != tc.want {
				t.Errorf("error = %q, want %q", err.Error(), tc.want)
			}
		})
	}
}

func TestFetchWorkflowFor_AcceptsAtOrAboveMinimums(t *testing.T) {
	p := newTestProvider(t, zipArchive(t, map[string]string{"dev-box": devWorkflow}), nil)

	desc := &vm.Description{
		Name:      "dev-box",
		NumCores:  4,
		MemSize:   memsize.MustParse("4G"),
		DiskSpace: memsize.MustParse("10G"),
	}
	if _, err := p.FetchWorkflowFor("dev-box", desc); err != nil {
		t.Fatalf("FetchWorkflowFor: %v", err)
	}
	if desc.NumCores != 4 {
		t.Errorf("explicit NumCores changed to %d", desc.NumCores)
	}
}

func TestFetchWorkflowFor_UnknownName(t *testing.T) {
	p := newTestProvider(t, zipArchive(t, map[string]string{"dev-box": devWorkflow}), nil)

	_, err := p.FetchWorkflowFor("noble", &vm.Description{Name: "x"})
	if !errors.Is(err, vm.ErrNoSuchWorkflow) {
		t.Errorf("error = %v, want ErrNoSuchWorkflow", err)
	}
}

func TestRefresh_KeepsStaleCacheOnFetchFailure(t *testing.T) {
	var fail atomic.Bool
	p := newTestProvider(t, zipArchive(t, map[string]string{"dev-box": devWorkflow}), &fail)

	if _, err := p.AllWorkflows(); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// Upstream goes away; the cached archive keeps serving.
	fail.Store(true)
	p.mu.Lock()
	p.lastFetch = time.Time{}
	p.docs = nil
	p.mu.Unlock()

	infos, err := p.AllWorkflows()
	if err != nil {
		t.Fatalf("stale-cache fetch: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "dev-box" {
		t.Errorf("workflows = %v, want [dev-box]", infos)
	}
}

func TestRefresh_NoCacheAndNoUpstream(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	p := newTestProvider(t, nil, &fail)

	if _, err := p.AllWorkflows(); err == nil {
		t.Fatal("AllWorkflows succeeded with no archive at all")
	}
}

func TestAllWorkflowsAndInfoFor(t *testing.T) {
	p := newTestProvider(t, zipArchive(t, map[string]string{
		"dev-box":   devWorkflow,
		"plain-box": plainWorkflow,
	}), nil)

	infos, err := p.AllWorkflows()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("workflows = %d, want 2", len(infos))
	}
	if infos[0].Name != "dev-box" || infos[1].Name != "plain-box" {
		t.Errorf("order = [%s %s], want sorted", infos[0].Name, infos[1].Name)
	}

	info, err := p.InfoFor("plain-box")
	if err != nil {
		t.Fatal(err)
	}
	if info.Description != "Nothing special" {
		t.Errorf("Description = %q", info.Description)
	}
	if _, err := p.InfoFor("missing"); !errors.Is(err, vm.ErrNoSuchWorkflow) {
		t.Errorf("InfoFor(missing) = %v", err)
	}
}
