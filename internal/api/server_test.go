package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/client"
	"github.com/xfeldman/cirrus/internal/config"
	"github.com/xfeldman/cirrus/internal/daemon"
	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/stub"
	"github.com/xfeldman/cirrus/internal/vm"
)

type fakeVault struct{}

func (fakeVault) FetchImage(_ context.Context, _ vm.FetchType, q vm.Query, progress vm.ProgressFunc) (vm.Image, error) {
	if progress != nil {
		progress("download", 100)
	}
	return vm.Image{Path: "/tmp/" + q.Release + ".img", Digest: "sha256:feed", Release: q.Release}, nil
}

func (fakeVault) MinimumImageSizeFor(vm.Query) (memsize.Size, error) {
	return memsize.MustParse("512M"), nil
}

type fakeWorkflows struct{}

func (fakeWorkflows) FetchWorkflowFor(string, *vm.Description) (vm.Query, error) {
	return vm.Query{}, vm.ErrNoSuchWorkflow
}

func (fakeWorkflows) InfoFor(name string) (vm.WorkflowInfo, error) {
	return vm.WorkflowInfo{}, vm.ErrNoSuchWorkflow
}

func (fakeWorkflows) AllWorkflows() ([]vm.WorkflowInfo, error) {
	return []vm.WorkflowInfo{
		{Name: "anbox-cloud-appliance", Description: "Anbox Cloud Appliance"},
		{Name: "docker", Description: "A Docker environment"},
	}, nil
}

type fixedNames struct{ next int }

func (g *fixedNames) MakeName() string {
	g.next++
	return "generated-name"
}

func setupTestServer(t *testing.T) *client.Client {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.SocketPath = filepath.Join(dir, "cirrusd.sock")
	cfg.DefaultSSHUsername = "ubuntu"

	d, err := daemon.New(cfg, zap.NewNop(), stub.NewFactory(), fakeVault{}, fakeWorkflows{}, &fixedNames{})
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(cfg, zap.NewNop(), d)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	return client.New(cfg.SocketPath)
}

func launchInstance(t *testing.T, c *client.Client, name string) *client.Instance {
	t.Helper()
	inst, err := c.Launch(context.Background(), client.LaunchRequest{
		Name: name, Disk: "1G", Release: "jammy",
	}, nil)
	if err != nil {
		t.Fatalf("launch %s: %v", name, err)
	}
	return inst
}

func TestLaunchStream(t *testing.T) {
	c := setupTestServer(t)

	var kinds []string
	inst, err := c.Launch(context.Background(), client.LaunchRequest{
		Name: "primary", CPUs: 2, Memory: "2G", Disk: "1G", Release: "jammy",
	}, func(kind string, percent int) {
		kinds = append(kinds, kind)
	})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Name != "primary" {
		t.Errorf("Name = %q, want %q", inst.Name, "primary")
	}
	if inst.State != "Running" {
		t.Errorf("State = %q, want %q", inst.State, "Running")
	}
	if inst.CPUs != 2 {
		t.Errorf("CPUs = %d, want 2", inst.CPUs)
	}
	if inst.Memory != "2G" {
		t.Errorf("Memory = %q, want %q", inst.Memory, "2G")
	}
	if len(kinds) == 0 {
		t.Error("expected at least one progress event")
	}
}

func TestLaunchGeneratedName(t *testing.T) {
	c := setupTestServer(t)

	inst, err := c.Launch(context.Background(), client.LaunchRequest{Disk: "1G"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Name != "generated-name" {
		t.Errorf("Name = %q, want %q", inst.Name, "generated-name")
	}
}

func TestLaunchNameConflict(t *testing.T) {
	c := setupTestServer(t)
	launchInstance(t, c, "taken")

	_, err := c.Launch(context.Background(), client.LaunchRequest{Name: "taken", Disk: "1G"}, nil)
	if err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestLaunchBadSize(t *testing.T) {
	c := setupTestServer(t)

	_, err := c.Launch(context.Background(), client.LaunchRequest{Name: "bad", Memory: "lots"}, nil)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusBadRequest)
	}
}

func TestListAndInfo(t *testing.T) {
	c := setupTestServer(t)
	launchInstance(t, c, "alpha")
	launchInstance(t, c, "beta")

	instances, err := c.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("List returned %d instances, want 2", len(instances))
	}

	info, err := c.Info(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if info.State != "Running" {
		t.Errorf("State = %q, want %q", info.State, "Running")
	}
	if info.IPv4 == "" {
		t.Error("expected IPv4 for a running instance")
	}
}

func TestInfoNotFound(t *testing.T) {
	c := setupTestServer(t)

	_, err := c.Info(context.Background(), "missing")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusNotFound)
	}
}

func TestLifecycleVerbs(t *testing.T) {
	c := setupTestServer(t)
	ctx := context.Background()
	launchInstance(t, c, "cycle")

	if _, err := c.Stop(ctx, []string{"cycle"}); err != nil {
		t.Fatal(err)
	}
	info, _ := c.Info(ctx, "cycle")
	if info.State != "Stopped" {
		t.Errorf("after stop, State = %q, want %q", info.State, "Stopped")
	}

	if _, err := c.Start(ctx, []string{"cycle"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Restart(ctx, []string{"cycle"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Suspend(ctx, []string{"cycle"}); err != nil {
		t.Fatal(err)
	}
	info, _ = c.Info(ctx, "cycle")
	if info.State != "Suspended" {
		t.Errorf("after suspend, State = %q, want %q", info.State, "Suspended")
	}
}

func TestBatchPartialFailure(t *testing.T) {
	c := setupTestServer(t)
	ctx := context.Background()
	launchInstance(t, c, "alpha")

	outcomes, err := c.Stop(ctx, []string{"alpha", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
	if outcomes[0].Name != "alpha" || outcomes[0].Error != "" {
		t.Errorf("alpha outcome = %+v, want success", outcomes[0])
	}
	if outcomes[1].Name != "missing" || outcomes[1].Error == "" {
		t.Errorf("missing outcome = %+v, want an error", outcomes[1])
	}

	// The existing instance was still stopped.
	info, _ := c.Info(ctx, "alpha")
	if info.State != "Stopped" {
		t.Errorf("State = %q, want %q", info.State, "Stopped")
	}
}

func TestDeleteRecoverPurge(t *testing.T) {
	c := setupTestServer(t)
	ctx := context.Background()
	launchInstance(t, c, "doomed")

	if err := c.Delete(ctx, "doomed", false); err != nil {
		t.Fatal(err)
	}
	info, err := c.Info(ctx, "doomed")
	if err != nil {
		t.Fatal(err)
	}
	if !info.Deleted {
		t.Error("expected Deleted after soft delete")
	}

	if err := c.Recover(ctx, "doomed"); err != nil {
		t.Fatal(err)
	}
	info, _ = c.Info(ctx, "doomed")
	if info.Deleted {
		t.Error("expected recovery to clear Deleted")
	}

	if err := c.Delete(ctx, "doomed", false); err != nil {
		t.Fatal(err)
	}
	if err := c.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Info(ctx, "doomed"); err == nil {
		t.Error("expected purged instance to be gone")
	}
}

func TestDeleteWithPurge(t *testing.T) {
	c := setupTestServer(t)
	ctx := context.Background()
	launchInstance(t, c, "gone")

	if err := c.Delete(ctx, "gone", true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Info(ctx, "gone"); err == nil {
		t.Error("expected instance to be gone after delete --purge")
	}
}

func TestFind(t *testing.T) {
	c := setupTestServer(t)

	workflows, err := c.Find(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(workflows) != 2 {
		t.Fatalf("Find returned %d workflows, want 2", len(workflows))
	}
	if workflows[1].Name != "docker" {
		t.Errorf("Name = %q, want %q", workflows[1].Name, "docker")
	}
}

func TestNetworksNotImplemented(t *testing.T) {
	c := setupTestServer(t)

	_, err := c.Networks(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotImplemented {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusNotImplemented)
	}
	want := "The bridging feature is not implemented on this backend"
	if apiErr.Message != want {
		t.Errorf("Message = %q, want %q", apiErr.Message, want)
	}
}

func TestSSHInfoEndpoint(t *testing.T) {
	c := setupTestServer(t)
	ctx := context.Background()
	launchInstance(t, c, "shell")

	details, err := c.SSHInfo(ctx, "shell")
	if err != nil {
		t.Fatal(err)
	}
	if details.Port != 22 {
		t.Errorf("Port = %d, want 22", details.Port)
	}
	if details.Username != "ubuntu" {
		t.Errorf("Username = %q, want %q", details.Username, "ubuntu")
	}
	if details.Host == "" {
		t.Error("expected a host address")
	}

	c.Stop(ctx, []string{"shell"})
	if _, err := c.SSHInfo(ctx, "shell"); err == nil {
		t.Error("expected ssh-info to fail for a stopped instance")
	}
}

func TestMountEndpoints(t *testing.T) {
	c := setupTestServer(t)
	ctx := context.Background()
	launchInstance(t, c, "sharer")

	if err := c.Mount(ctx, "sharer", "/home/user/src", "/mnt/src"); err != nil {
		t.Fatal(err)
	}
	info, _ := c.Info(ctx, "sharer")
	if len(info.Mounts) != 1 || info.Mounts[0].TargetPath != "/mnt/src" {
		t.Fatalf("Mounts = %+v, want one mount at /mnt/src", info.Mounts)
	}

	// Duplicate target is a conflict.
	err := c.Mount(ctx, "sharer", "/elsewhere", "/mnt/src")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusConflict)
	}

	if err := c.Umount(ctx, "sharer", "/mnt/src"); err != nil {
		t.Fatal(err)
	}
	info, _ = c.Info(ctx, "sharer")
	if len(info.Mounts) != 0 {
		t.Errorf("Mounts = %+v, want none after umount", info.Mounts)
	}
}

func TestVersionEndpoint(t *testing.T) {
	c := setupTestServer(t)

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v == "" {
		t.Error("expected a non-empty version")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.SocketPath = filepath.Join(dir, "cirrusd.sock")

	d, err := daemon.New(cfg, zap.NewNop(), stub.NewFactory(), fakeVault{}, fakeWorkflows{}, &fixedNames{})
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(cfg, zap.NewNop(), d)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	httpClient := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dl net.Dialer
			return dl.DialContext(ctx, "unix", cfg.SocketPath)
		},
	}}
	resp, err := httpClient.Get("http://cirrus/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "cirrusd_instances") {
		t.Error("expected cirrusd_instances gauge in metrics output")
	}
}
