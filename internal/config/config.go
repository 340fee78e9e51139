// Package config holds cirrusd runtime configuration. There is no
// ambient global state: main constructs a Config and injects it into
// every component that needs one.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// StorageEnvVar relocates all cirrus state when set; data and cache
// directories become subdirectories of it.
const StorageEnvVar = "CIRRUS_STORAGE"

// Config holds cirrusd runtime configuration.
type Config struct {
	// DataDir is the base directory for durable daemon data, including
	// the instance database.
	DataDir string

	// CacheDir is the base directory for re-fetchable data (images,
	// workflow archives).
	CacheDir string

	// SocketPath is the unix socket path for the cirrusd API.
	SocketPath string

	// Backend selects the VM factory: "libvirt" or "stub".
	Backend string

	// LibvirtSocket is the libvirtd unix socket path.
	LibvirtSocket string

	// StoragePool is the libvirt storage pool for instance volumes.
	StoragePool string

	// ImageCacheDir is the directory for fetched VM images.
	ImageCacheDir string

	// VaultDBPath is the sqlite index of fetched images.
	VaultDBPath string

	// WorkflowURL is the archive of workflow definitions.
	WorkflowURL string

	// WorkflowArchiveDir is where the fetched archive is cached.
	WorkflowArchiveDir string

	// WorkflowTTL is how long a fetched workflow archive stays fresh.
	WorkflowTTL time.Duration

	// DefaultSSHUsername is assigned to instances at launch.
	DefaultSSHUsername string
}

// DefaultConfig returns the default configuration, honoring
// CIRRUS_STORAGE when set.
func DefaultConfig() *Config {
	var dataDir, cacheDir string
	if storage := os.Getenv(StorageEnvVar); storage != "" {
		dataDir = filepath.Join(storage, "data")
		cacheDir = filepath.Join(storage, "cache")
	} else {
		home, _ := os.UserHomeDir()
		base := filepath.Join(home, ".cirrus")
		dataDir = filepath.Join(base, "data")
		cacheDir = filepath.Join(base, "cache")
	}

	return &Config{
		DataDir:            dataDir,
		CacheDir:           cacheDir,
		SocketPath:         filepath.Join(dataDir, "cirrusd.sock"),
		Backend:            "libvirt",
		LibvirtSocket:      "/var/run/libvirt/libvirt-sock",
		StoragePool:        "default",
		ImageCacheDir:      filepath.Join(cacheDir, "images"),
		VaultDBPath:        filepath.Join(cacheDir, "vault.db"),
		WorkflowURL:        "https://codeload.github.com/canonical/multipass-workflows/zip/refs/heads/main",
		WorkflowArchiveDir: filepath.Join(cacheDir, "workflows"),
		WorkflowTTL:        5 * time.Minute,
		DefaultSSHUsername: "ubuntu",
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.CacheDir,
		filepath.Dir(c.SocketPath),
		c.ImageCacheDir,
		filepath.Dir(c.VaultDBPath),
		c.WorkflowArchiveDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
