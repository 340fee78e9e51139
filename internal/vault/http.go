package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/xfeldman/cirrus/internal/vm"
)

// progressReader counts bytes off the wire and feeds the launch
// progress callback.
type progressReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress vm.ProgressFunc
	canceled bool
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.progress != nil {
		percent := -1
		if p.total > 0 {
			percent = int(p.read * 100 / p.total)
		}
		if !p.progress("download", percent) {
			p.canceled = true
			return n, io.ErrClosedPipe
		}
	}
	return n, err
}

// fetchHTTP downloads url into the cache, decompressing gzip payloads
// transparently. The stored file is named by the SHA-256 of the bytes
// written to disk.
func (v *Vault) fetchHTTP(ctx context.Context, url string, progress vm.ProgressFunc) (path, digest string, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	pr := &progressReader{r: resp.Body, total: resp.ContentLength, progress: progress}
	var payload io.Reader = pr
	if strings.HasSuffix(url, ".gz") || resp.Header.Get("Content-Type") == "application/gzip" {
		gz, gerr := gzip.NewReader(payload)
		if gerr != nil {
			return "", "", 0, fmt.Errorf("fetch %s: %w", url, gerr)
		}
		defer gz.Close()
		payload = gz
	}

	tmp, err := os.CreateTemp(v.cacheDir, "download-*.partial")
	if err != nil {
		return "", "", 0, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, hasher), payload)
	if err != nil {
		if pr.canceled {
			return "", "", 0, fmt.Errorf("fetch %s: canceled", url)
		}
		return "", "", 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, err
	}

	digest = "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	path = filepath.Join(v.cacheDir, strings.Replace(digest, ":", "_", 1)+filepath.Ext(strings.TrimSuffix(url, ".gz")))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", "", 0, err
	}
	return path, digest, size, nil
}
