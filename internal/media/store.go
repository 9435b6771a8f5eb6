// Package media stores uploaded fruit photos on disk and resolves their
// references for the orchestrator.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/kalambet/ripewise/internal/vision"
)

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes = 10 << 20

const refPrefix = "uploads"

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

var formats = map[string]struct {
	ext  string
	mime string
}{
	"jpeg": {"jpg", "image/jpeg"},
	"png":  {"png", "image/png"},
	"webp": {"webp", "image/webp"},
}

// ErrNotFound is returned by Load for a reference with no stored file.
var ErrNotFound = errors.New("media not found")

// ValidationError rejects an upload before anything is written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid upload: " + e.Reason }

// Store keeps uploads under <dir>/uploads/<owner>/.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates a Store rooted at dir. maxBytes <= 0 uses DefaultMaxBytes.
func NewStore(dir string, maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{dir: dir, maxBytes: maxBytes}
}

// MaxBytes is the largest accepted payload.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save validates data as a JPEG, PNG or WebP image and writes it, returning
// the reference Load accepts.
func (s *Store) Save(ctx context.Context, owner string, data []byte) (string, error) {
	if !ownerPattern.MatchString(owner) || owner == "." || owner == ".." {
		return "", &ValidationError{Reason: "owner id must be 1-64 characters of letters, digits, '.', '_' or '-'"}
	}
	if len(data) == 0 {
		return "", &ValidationError{Reason: "empty payload"}
	}
	if int64(len(data)) > s.maxBytes {
		return "", &ValidationError{Reason: fmt.Sprintf("payload is %d bytes, limit is %d", len(data), s.maxBytes)}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", &ValidationError{Reason: "unrecognized image format"}
	}
	f, ok := formats[format]
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("unsupported image format %q", format)}
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return "", &ValidationError{Reason: "image has zero dimensions"}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := path.Join(refPrefix, owner, uuid.New().String()+"."+f.ext)
	full := filepath.Join(s.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}

	tmp := full + ".part"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalizing upload: %w", err)
	}
	return ref, nil
}

// OwnedBy reports whether ref was saved for owner.
func OwnedBy(ref, owner string) bool {
	return strings.HasPrefix(ref, refPrefix+"/"+owner+"/")
}

// Load reads the image at ref. References that resolve outside the upload
// root are rejected.
func (s *Store) Load(ctx context.Context, ref string) (vision.Image, error) {
	full, err := s.resolve(ref)
	if err != nil {
		return vision.Image{}, err
	}
	if err := ctx.Err(); err != nil {
		return vision.Image{}, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return vision.Image{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return vision.Image{}, fmt.Errorf("reading %s: %w", ref, err)
	}
	return vision.Image{Ref: ref, Data: data, MIMEType: mimeForExt(path.Ext(ref))}, nil
}

// Remove deletes the stored file for ref.
func (s *Store) Remove(ref string) error {
	full, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", ref, err)
	}
	return nil
}

func (s *Store) resolve(ref string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(ref))[1:]
	if clean != ref || !strings.HasPrefix(clean, refPrefix+"/") {
		return "", &ValidationError{Reason: fmt.Sprintf("reference %q is outside the upload store", ref)}
	}
	root := filepath.Join(s.dir, refPrefix)
	full := filepath.Join(s.dir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", &ValidationError{Reason: fmt.Sprintf("reference %q is outside the upload store", ref)}
	}
	return full, nil
}

func mimeForExt(ext string) string {
	for _, f := range formats {
		if "."+f.ext == ext {
			return f.mime
		}
	}
	return "application/octet-stream"
}
