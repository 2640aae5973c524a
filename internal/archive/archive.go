// Package archive exports a session's credential directory as a single
// compressed, text-encoded buffer.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ashureev/pairlink/internal/domain"
	"github.com/klauspost/compress/zstd"
)

// Probe answers whether a session's persisted credential bundle is
// registered. Export is gated on it, never on stored status.
type Probe func(ctx context.Context, sessionID string) (bool, error)

// Exporter packages credential directories from under root.
type Exporter struct {
	root    string
	probe   Probe
	encoder *zstd.Encoder
}

// NewExporter creates an exporter over the credential root directory. The
// zstd encoder is reused across exports; it is safe for concurrent use.
func NewExporter(root string, probe Probe) (*Exporter, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("initialize zstd encoder: %w", err)
	}
	return &Exporter{root: root, probe: probe, encoder: enc}, nil
}

// Export validates the ready condition and returns the session's credential
// directory as a base64-encoded zstd-compressed tar. It has no side effect
// on session status. Returns domain.ErrNotFound when no credential
// directory exists and domain.ErrNotReady when registration has not been
// confirmed.
func (e *Exporter) Export(ctx context.Context, sessionID string) (string, error) {
	dir := filepath.Join(e.root, sessionID)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("stat credential directory: %w", err)
	}
	if !info.IsDir() {
		return "", domain.ErrNotFound
	}

	registered, err := e.probe(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("registration probe: %w", err)
	}
	if !registered {
		return "", domain.ErrNotReady
	}

	raw, err := tarDirectory(dir)
	if err != nil {
		return "", fmt.Errorf("package credential directory: %w", err)
	}

	compressed := e.encoder.EncodeAll(raw, nil)
	return base64.StdEncoding.EncodeToString(compressed), nil
}

// tarDirectory encodes the directory tree rooted at dir. Only regular
// files and directories are included; symlinks are skipped, never
// followed.
func tarDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hdr := &tar.Header{
				Name:     rel + "/",
				Mode:     int64(info.Mode().Perm()),
				Typeflag: tar.TypeDir,
				ModTime:  info.ModTime(),
			}
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			hdr := &tar.Header{
				Name:    rel,
				Mode:    int64(info.Mode().Perm()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
			return nil
		default:
			// Sockets, pipes and devices have no business in a
			// credential bundle.
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
