// Package upload spools attached files to a temporary directory for the duration of one exchange.
package upload

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrTooLarge is returned when an upload exceeds the spool size limit.
var ErrTooLarge = errors.New("upload too large")

// Spool writes uploads below a directory.
type Spool struct {
	dir      string
	maxBytes int64
}

// NewSpool creates dir when missing. maxBytes <= 0 disables the size limit.
func NewSpool(dir string, maxBytes int64) (*Spool, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "relaychat-uploads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create upload dir %s", dir)
	}
	return &Spool{dir: dir, maxBytes: maxBytes}, nil
}

func (s *Spool) Dir() string { return s.dir }

// MaxBytes is the upload size limit, zero when unlimited.
func (s *Spool) MaxBytes() int64 { return s.maxBytes }

// Save copies src into a new temporary file and detects its MIME type. The caller owns the
// returned File and must Release it.
func (s *Spool) Save(src io.Reader, originalName string) (*File, error) {
	path := filepath.Join(s.dir, uuid.NewString()+filepath.Ext(originalName))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create upload file")
	}
	f := &File{Path: path, Name: originalName}

	r := src
	if s.maxBytes > 0 {
		r = io.LimitReader(src, s.maxBytes+1)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = f.Release()
		return nil, errors.Wrap(err, "write upload file")
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		_ = f.Release()
		return nil, ErrTooLarge
	}
	f.Size = n

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		_ = f.Release()
		return nil, errors.Wrap(err, "detect upload type")
	}
	f.MIMEType = baseType(mt.String())
	log.Debug().Str("component", "upload").Str("path", path).Str("mime", f.MIMEType).Int64("bytes", n).Msg("upload spooled")
	return f, nil
}

// baseType drops media type parameters such as charset.
func baseType(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// File is one spooled upload. Release deletes it exactly once.
type File struct {
	Path     string
	Name     string
	MIMEType string
	Size     int64

	mu         sync.Mutex
	released   bool
	releaseErr error
}

// Bytes reads the spooled content.
func (f *File) Bytes() ([]byte, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read upload file")
	}
	return b, nil
}

// Release removes the file. Later calls return the first result; a nil File is a no-op.
func (f *File) Release() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return f.releaseErr
	}
	f.released = true
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		f.releaseErr = errors.Wrap(err, "remove upload file")
		log.Warn().Err(err).Str("component", "upload").Str("path", f.Path).Msg("failed to remove upload")
	}
	return f.releaseErr
}

// Released reports whether Release ran.
func (f *File) Released() bool {
	if f == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}
