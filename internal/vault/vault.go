package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/memsize"
	"github.com/xfeldman/cirrus/internal/vm"
)

// defaultImageMinimum is the instance disk floor assumed for images
// whose manifest does not state one. Ubuntu cloud images expand past
// their download size on first boot.
var defaultImageMinimum = memsize.MustParse("2G")

// releaseAliases maps short release names to their cloud-image URLs.
// An unknown alias is passed through as-is, so full URLs and oci:
// references need no entry here.
var releaseAliases = map[string]string{
	"":        "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
	"default": "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
	"lts":     "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
	"noble":   "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
	"jammy":   "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img",
	"focal":   "https://cloud-images.ubuntu.com/focal/current/focal-server-cloudimg-amd64.img",
}

// Vault is the default vm.ImageVault: fetches over HTTPS or from OCI
// registries, caches content-addressed files, and remembers them in a
// sqlite index.
type Vault struct {
	log      *zap.Logger
	cacheDir string
	index    *indexDB
}

// New opens a vault over cacheDir with its index at dbPath.
func New(log *zap.Logger, cacheDir, dbPath string) (*Vault, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	index, err := openIndex(dbPath)
	if err != nil {
		return nil, err
	}
	return &Vault{log: log, cacheDir: cacheDir, index: index}, nil
}

// Close releases the index database.
func (v *Vault) Close() error {
	return v.index.Close()
}

// resolveSource turns a query into a concrete fetchable source string.
func resolveSource(q vm.Query) string {
	release := q.Release
	if q.Remote != "" {
		release = q.Remote + ":" + release
	}
	if url, ok := releaseAliases[release]; ok {
		return url
	}
	return release
}

// FetchImage returns a local image for the query, downloading on cache
// miss. Progress is reported through the callback while bytes move.
func (v *Vault) FetchImage(ctx context.Context, _ vm.FetchType, q vm.Query, progress vm.ProgressFunc) (vm.Image, error) {
	source := resolveSource(q)

	if row, err := v.index.get(source); err == nil {
		if _, serr := os.Stat(row.Path); serr == nil {
			if terr := v.index.touch(source); terr != nil {
				v.log.Warn("cannot update image index", zap.Error(terr))
			}
			v.log.Debug("image cache hit", zap.String("source", source), zap.String("digest", row.Digest))
			return vm.Image{Path: row.Path, Digest: row.Digest, Release: q.Release}, nil
		}
		// Index row without its file: refetch.
	} else if !errors.Is(err, sql.ErrNoRows) {
		return vm.Image{}, fmt.Errorf("image index: %w", err)
	}

	var (
		path   string
		digest string
		size   int64
		err    error
	)
	if strings.HasPrefix(source, "oci:") {
		path, digest, size, err = v.fetchOCI(ctx, strings.TrimPrefix(source, "oci:"), progress)
	} else {
		path, digest, size, err = v.fetchHTTP(ctx, source, progress)
	}
	if err != nil {
		return vm.Image{}, err
	}

	if err := v.index.put(imageRow{
		Source:  source,
		Digest:  digest,
		Path:    path,
		Size:    size,
		MinDisk: defaultImageMinimum.Bytes(),
	}); err != nil {
		return vm.Image{}, fmt.Errorf("image index: %w", err)
	}
	v.log.Info("image fetched",
		zap.String("source", source),
		zap.String("digest", digest),
		zap.Int64("bytes", size))
	return vm.Image{Path: path, Digest: digest, Release: q.Release}, nil
}

// MinimumImageSizeFor answers from the index when the image was fetched
// before, and with the conservative default otherwise.
func (v *Vault) MinimumImageSizeFor(q vm.Query) (memsize.Size, error) {
	row, err := v.index.get(resolveSource(q))
	if errors.Is(err, sql.ErrNoRows) {
		return defaultImageMinimum, nil
	}
	if err != nil {
		return 0, fmt.Errorf("image index: %w", err)
	}
	return memsize.Size(row.MinDisk), nil
}
