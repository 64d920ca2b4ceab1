package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// StoredFile is a file that has been persisted under the output directory.
// URL is only meaningful once persistence succeeded.
type StoredFile struct {
	Filename string
	Path     string
	URL      string
}

// FileStore persists generated media under unique names. Files are written once
// and never overwritten in place.
type FileStore interface {
	// Save writes data under filename and returns where it landed.
	Save(ctx context.Context, filename string, data []byte) (*StoredFile, error)

	// Import moves an already-written local file into the store.
	Import(ctx context.Context, filename, localPath string) (*StoredFile, error)
}

// UniqueName builds "<prefix>_<uuid><ext>".
func UniqueName(prefix, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%s%s", prefix, uuid.New().String(), ext)
}

// Local stores files in a dedicated output directory. Public URLs are the
// configured base path joined with the filename.
type Local struct {
	Dir     string
	BaseURL string
}

func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir %s: %w", dir, err)
	}
	return &Local{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// PathFor returns the local path a filename is stored at.
func (s *Local) PathFor(filename string) string {
	return filepath.Join(s.Dir, filename)
}

// URLFor returns the public URL for a filename.
func (s *Local) URLFor(filename string) string {
	return s.BaseURL + "/" + filename
}

// Save writes the file exclusively; an existing file with the same name is an error.
func (s *Local) Save(ctx context.Context, filename string, data []byte) (*StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.PathFor(filename)

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filename, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return nil, fmt.Errorf("failed to close %s: %w", filename, err)
	}

	return &StoredFile{Filename: filename, Path: p, URL: s.URLFor(filename)}, nil
}

// Import moves localPath into the output directory. Falls back to copy when a
// rename crosses filesystems.
func (s *Local) Import(ctx context.Context, filename, localPath string) (*StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst := s.PathFor(filename)
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("refusing to overwrite %s", filename)
	}

	if err := os.Rename(localPath, dst); err != nil {
		log.Printf("[Storage] rename into output dir failed, copying instead: %v", err)
		if err := copyFile(localPath, dst); err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", filename, err)
		}
	}

	return &StoredFile{Filename: filename, Path: dst, URL: s.URLFor(filename)}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// Mirrored keeps the local copy (needed for extension and concatenation) and
// uploads every file to Supabase. The returned URL is the Supabase public URL;
// if the upload fails the local URL is kept.
type Mirrored struct {
	Local  *Local
	Remote *Supabase
}

func (m *Mirrored) Save(ctx context.Context, filename string, data []byte) (*StoredFile, error) {
	f, err := m.Local.Save(ctx, filename, data)
	if err != nil {
		return nil, err
	}
	m.mirror(f, func(objectPath, contentType string) error {
		return m.Remote.Upload(ctx, objectPath, data, contentType)
	})
	return f, nil
}

func (m *Mirrored) Import(ctx context.Context, filename, localPath string) (*StoredFile, error) {
	f, err := m.Local.Import(ctx, filename, localPath)
	if err != nil {
		return nil, err
	}
	m.mirror(f, func(objectPath, contentType string) error {
		return m.Remote.UploadFile(ctx, objectPath, f.Path, contentType)
	})
	return f, nil
}

func (m *Mirrored) mirror(f *StoredFile, upload func(objectPath, contentType string) error) {
	objectPath := m.Remote.ObjectPath(f.Filename)
	if err := upload(objectPath, contentTypeFor(f.Filename)); err != nil {
		log.Printf("[Storage] Warning: mirror upload failed for %s, keeping local URL: %v", f.Filename, err)
		return
	}
	f.URL = m.Remote.GetPublicURL(objectPath)
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

var (
	_ FileStore = (*Local)(nil)
	_ FileStore = (*Mirrored)(nil)
)
