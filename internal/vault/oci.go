package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/xfeldman/cirrus/internal/vm"
)

// fetchOCI pulls an OCI reference and exports the flattened rootfs as a
// tarball into the cache. The backend turns the tarball into a bootable
// disk during image preparation.
func (v *Vault) fetchOCI(ctx context.Context, imageRef string, progress vm.ProgressFunc) (path, digest string, size int64, err error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	platform := &v1.Platform{OS: "linux", Architecture: "amd64"}
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return "", "", 0, fmt.Errorf("pull %s: %w", imageRef, err)
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, ierr := desc.ImageIndex()
		if ierr != nil {
			return "", "", 0, fmt.Errorf("get image index: %w", ierr)
		}
		manifest, ierr := idx.IndexManifest()
		if ierr != nil {
			return "", "", 0, fmt.Errorf("get index manifest: %w", ierr)
		}
		for _, m := range manifest.Manifests {
			if m.Platform != nil && m.Platform.OS == platform.OS && m.Platform.Architecture == platform.Architecture {
				img, ierr = idx.Image(m.Digest)
				if ierr != nil {
					return "", "", 0, fmt.Errorf("get %s image: %w", platform.Architecture, ierr)
				}
				break
			}
		}
		if img == nil {
			return "", "", 0, fmt.Errorf("no %s/%s variant found in %s", platform.OS, platform.Architecture, imageRef)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return "", "", 0, fmt.Errorf("get image: %w", err)
		}
	}

	d, err := img.Digest()
	if err != nil {
		return "", "", 0, fmt.Errorf("get digest: %w", err)
	}
	digest = d.String()

	path = filepath.Join(v.cacheDir, strings.Replace(digest, ":", "_", 1)+".tar")
	if _, serr := os.Stat(path); serr == nil {
		fi, _ := os.Stat(path)
		return path, digest, fi.Size(), nil
	}

	if progress != nil && !progress("download", -1) {
		return "", "", 0, fmt.Errorf("pull %s: canceled", imageRef)
	}

	rootfs := mutate.Extract(img)
	defer rootfs.Close()

	tmp, err := os.CreateTemp(v.cacheDir, "oci-*.partial")
	if err != nil {
		return "", "", 0, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err = io.Copy(tmp, rootfs)
	if err != nil {
		return "", "", 0, fmt.Errorf("export %s: %w", imageRef, err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", "", 0, err
	}
	return path, digest, size, nil
}
