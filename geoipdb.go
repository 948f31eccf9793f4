package main

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const maxmindDownloadURL = "https://download.maxmind.com/app/geoip_download"

var errChecksumMismatch = errors.New("maxmind database checksum verification failed")

// maxmindDownloader keeps a MaxMind database in a local cache directory.
type maxmindDownloader struct {
	client  *http.Client
	baseURL string
	license string
	edition string
	dir     string
	retries int
	logger  *slog.Logger
}

func newMaxmindDownloader(opts maxmindOptions, logger *slog.Logger) *maxmindDownloader {
	return &maxmindDownloader{
		client:  &http.Client{Timeout: 5 * time.Minute},
		baseURL: maxmindDownloadURL,
		license: opts.License,
		edition: opts.Edition,
		dir:     opts.CacheDir,
		retries: 2,
		logger:  logger,
	}
}

// databasePath is where the extracted database ends up.
func (d *maxmindDownloader) databasePath() string {
	return filepath.Join(d.dir, d.edition+".mmdb")
}

// Prepare downloads, verifies and extracts the database, reusing a cached
// archive whose checksum still matches. It returns the database path.
func (d *maxmindDownloader) Prepare(ctx context.Context) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating maxmind cache directory: %w", err)
	}

	var checksum string
	err := d.retry(ctx, "checksum", func() (err error) {
		checksum, err = d.fetchChecksum(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	d.logger.Debug("maxmind database checksum", "checksum", checksum)

	archive := filepath.Join(d.dir, d.edition+".tar.gz")
	if ok, _ := verifyFileChecksum(archive, checksum); !ok {
		err := d.retry(ctx, "archive", func() error {
			d.logger.Info("downloading maxmind geoip database", "edition", d.edition)
			if err := d.download(ctx, archive); err != nil {
				return err
			}
			ok, err := verifyFileChecksum(archive, checksum)
			if err != nil {
				return err
			}
			if !ok {
				return errChecksumMismatch
			}
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	return d.extract(archive)
}

// Refresh runs Prepare every interval and loads the result into geo.
func (d *maxmindDownloader) Refresh(ctx context.Context, interval time.Duration, geo *geoIP) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			path, err := d.Prepare(ctx)
			if err != nil {
				d.logger.Error("maxmind database update failed", "error", err)
				continue
			}
			if err := geo.Open(path); err != nil {
				d.logger.Error("maxmind database update failed", "error", err)
			}
		}
	}
}

func (d *maxmindDownloader) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < d.retries {
			d.logger.Warn("retrying maxmind download", "what", what, "attempt", attempt+1, "error", err)
		}
	}
	return fmt.Errorf("maxmind %s download: %w", what, err)
}

func (d *maxmindDownloader) url(suffix string) string {
	q := url.Values{}
	q.Set("edition_id", d.edition)
	q.Set("license_key", d.license)
	q.Set("suffix", suffix)
	return d.baseURL + "?" + q.Encode()
}

func (d *maxmindDownloader) get(ctx context.Context, suffix string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url(suffix), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp, nil
}

// fetchChecksum reads the sha256 published next to the archive.
func (d *maxmindDownloader) fetchChecksum(ctx context.Context) (string, error) {
	resp, err := d.get(ctx, "tar.gz.sha256")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum response")
	}
	return fields[0], nil
}

func (d *maxmindDownloader) download(ctx context.Context, dst string) error {
	resp, err := d.get(ctx, "tar.gz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return writeFileAtomic(dst, resp.Body)
}

// extract copies <edition>.mmdb out of the archive into the cache directory.
func (d *maxmindDownloader) extract(archive string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", archive, err)
	}
	defer gz.Close()

	name := d.edition + ".mmdb"
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%s not found in %s", name, archive)
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != name {
			continue
		}
		dst := d.databasePath()
		if err := writeFileAtomic(dst, tr); err != nil {
			return "", err
		}
		d.logger.Info("maxmind database stored", "path", dst)
		return dst, nil
	}
}

// writeFileAtomic replaces dst with the content of r by rename.
func writeFileAtomic(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func verifyFileChecksum(path, expected string) (bool, error) {
	actual, err := fileChecksum(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
