// Package workflow resolves named workflow templates. Workflows are
// YAML documents inside a zip archive fetched from a configurable URL;
// the archive is cached on disk and refreshed when older than a TTL,
// falling back to the stale copy when the refresh fails.
package workflow

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

const archiveFilename = "workflows.zip"

// document is one workflow YAML file.
type document struct {
	Description string                 `yaml:"description"`
	Version     string                 `yaml:"version"`
	Instances   map[string]instanceDef `yaml:"instances"`
}

type instanceDef struct {
	Image     string       `yaml:"image"`
	Limits    limitsDef    `yaml:"limits"`
	CloudInit cloudInitDef `yaml:"cloud-init"`
}

type limitsDef struct {
	MinCPU  int    `yaml:"min-cpu"`
	MinMem  string `yaml:"min-mem"`
	MinDisk string `yaml:"min-disk"`
}

type cloudInitDef struct {
	VendorData yaml.Node `yaml:"vendor-data"`
}

// Provider is the default vm.WorkflowProvider.
type Provider struct {
	log        *zap.Logger
	url        string
	archiveDir string
	ttl        time.Duration

	mu        sync.Mutex
	lastFetch time.Time
	docs      map[string]document
}

// NewProvider builds a provider fetching from url into archiveDir. The
// archive is not fetched until first use.
func NewProvider(log *zap.Logger, url, archiveDir string, ttl time.Duration) *Provider {
	return &Provider{log: log, url: url, archiveDir: archiveDir, ttl: ttl}
}

// refresh ensures p.docs is loaded and fresh enough. A failed download
// keeps whatever archive is already on disk. Caller holds p.mu.
func (p *Provider) refresh() error {
	if p.docs != nil && time.Since(p.lastFetch) < p.ttl {
		return nil
	}

	archivePath := filepath.Join(p.archiveDir, archiveFilename)
	if err := p.download(archivePath); err != nil {
		if _, serr := os.Stat(archivePath); serr != nil {
			return fmt.Errorf("fetching workflows: %w", err)
		}
		p.log.Warn("workflow fetch failed, using cached archive", zap.Error(err))
	}

	docs, err := parseArchive(archivePath)
	if err != nil {
		return fmt.Errorf("parsing workflow archive: %w", err)
	}
	p.docs = docs
	p.lastFetch = time.Now()
	return nil
}

func (p *Provider) download(dest string) error {
	resp, err := http.Get(p.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(p.archiveDir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(p.archiveDir, "workflows-*.partial")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// parseArchive reads every v1 YAML document out of the zip. The file
// stem is the workflow name.
func parseArchive(path string) (map[string]document, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	docs := make(map[string]document)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dir, base := filepath.Split(f.Name)
		if !strings.HasSuffix(filepath.Clean(dir), "v1") {
			continue
		}
		ext := filepath.Ext(base)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}

		var doc document
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", base, err)
		}
		docs[strings.TrimSuffix(base, ext)] = doc
	}
	return docs, nil
}

// minimumError reports a launch request under a workflow's floor.
func minimumError(what string) error {
	return fmt.Errorf("%s is below the workflow minimum", what)
}

// FetchWorkflowFor looks up name and applies the workflow to desc:
// unset resources are raised to the workflow minimums, explicitly set
// values below them are rejected, and cloud-init vendor data is merged.
// Names that are not workflows return vm.ErrNoSuchWorkflow.
func (p *Provider) FetchWorkflowFor(name string, desc *vm.Description) (vm.Query, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refresh(); err != nil {
		return vm.Query{}, err
	}

	doc, ok := p.docs[name]
	if !ok {
		return vm.Query{}, vm.ErrNoSuchWorkflow
	}
	def, ok := doc.Instances[name]
	if !ok {
		return vm.Query{}, fmt.Errorf("workflow %q does not define instance %q", name, name)
	}

	if def.Limits.MinCPU > 0 {
		switch {
		case desc.NumCores == 0:
			desc.NumCores = def.Limits.MinCPU
		case desc.NumCores < def.Limits.MinCPU:
			return vm.Query{}, minimumError("Number of CPUs")
		}
	}
	if def.Limits.MinMem != "" {
		minMem, err := memsize.Parse(def.Limits.MinMem)
		if err != nil {
			return vm.Query{}, fmt.Errorf("workflow %q: %w", name, err)
		}
		switch {
		case desc.MemSize == 0:
			desc.MemSize = minMem
		case desc.MemSize < minMem:
			return vm.Query{}, minimumError("Memory size")
		}
	}
	if def.Limits.MinDisk != "" {
		minDisk, err := memsize.Parse(def.Limits.MinDisk)
		if err != nil {
			return vm.Query{}, fmt.Errorf("workflow %q: %w", name, err)
		}
		switch {
		case desc.DiskSpace == 0:
			desc.DiskSpace = minDisk
		case desc.DiskSpace < minDisk:
			return vm.Query{}, minimumError("Disk space")
		}
	}

	if def.CloudInit.VendorData.Kind != 0 {
		vendor := def.CloudInit.VendorData
		desc.VendorDataConfig = &vendor
	}

	release := def.Image
	if release == "" {
		release = "default"
	}
	return vm.Query{Name: desc.Name, Release: release}, nil
}

// InfoFor describes one workflow.
func (p *Provider) InfoFor(name string) (vm.WorkflowInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refresh(); err != nil {
		return vm.WorkflowInfo{}, err
	}
	doc, ok := p.docs[name]
	if !ok {
		return vm.WorkflowInfo{}, vm.ErrNoSuchWorkflow
	}
	return vm.WorkflowInfo{Name: name, Description: doc.Description}, nil
}

// AllWorkflows lists every available workflow, sorted by name.
func (p *Provider) AllWorkflows() ([]vm.WorkflowInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refresh(); err != nil {
		return nil, err
	}
	out := make([]vm.WorkflowInfo, 0, len(p.docs))
	for name, doc := range p.docs {
		out = append(out, vm.WorkflowInfo{Name: name, Description: doc.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
