package registry

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/wippyai/wasix/errors"
)

// maxArchiveEntry bounds a single extracted file.
const maxArchiveEntry = 256 << 20

// HTTPSource downloads package archives from a registry at
// <base>/packages/<name>/<version>.tar.zst, "latest" standing in for an
// absent version.
type HTTPSource struct {
	client *resty.Client
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*resty.Client)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries retries failed requests count times.
func WithRetries(count int) HTTPOption {
	return func(c *resty.Client) { c.SetRetryCount(count) }
}

// NewHTTPSource creates a source for the registry at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/zstd")
	for _, opt := range opts {
		opt(c)
	}
	return &HTTPSource{client: c}
}

// Fetch implements Source. The archive is extracted under cacheDir and loaded
// with LoadDir.
func (s *HTTPSource) Fetch(ctx context.Context, name, cacheDir string) (*Package, error) {
	ref, err := ParseRef(name)
	if err != nil {
		return nil, errors.InvalidInput(errors.PhaseResolve, err.Error())
	}
	version := ref.Version
	if version == "" {
		version = "latest"
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParams(map[string]string{"name": ref.Name, "version": version}).
		Get("/packages/{name}/{version}.tar.zst")
	if err != nil {
		return nil, errors.Fetch(name, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return nil, errors.Fetch(name, fmt.Errorf("registry returned %s", resp.Status()))
	}

	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	dest := filepath.Join(cacheDir, url.PathEscape(ref.Name), version)
	if err := os.RemoveAll(dest); err != nil {
		return nil, errors.IO(errors.PhaseResolve, "clear package dir", err)
	}
	if err := ExtractArchive(body, dest); err != nil {
		return nil, errors.Fetch(name, err)
	}

	Logger().Debug("fetched package",
		zap.String("name", ref.Name),
		zap.String("version", version),
		zap.String("dir", dest))
	return LoadDir(dest)
}

// ExtractArchive unpacks a zstd-compressed tar stream into dir.
// Entries escaping dir are rejected.
func ExtractArchive(r io.Reader, dir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes package dir", hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if hdr.Size > maxArchiveEntry {
				return fmt.Errorf("archive entry %q too large", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			Logger().Debug("skipping archive entry",
				zap.String("name", hdr.Name),
				zap.Uint8("type", hdr.Typeflag))
		}
	}
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxArchiveEntry)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteArchive packs dir as a zstd-compressed tar stream readable by
// ExtractArchive.
func WriteArchive(w io.Writer, dir string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
