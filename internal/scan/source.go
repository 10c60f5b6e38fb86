// Package scan discovers files on disk and imports them into the content
// store and the asset binder.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"recall/internal/blobstore"
	"recall/internal/models"
)

// SidecarSuffix marks a YAML file describing the file it is named after,
// e.g. paper.pdf.meta.yaml.
const SidecarSuffix = ".meta.yaml"

// File is one discovered file with its digest.
type File struct {
	Path      string
	RelPath   string
	SHA256    string
	SizeBytes int64
	MimeType  string
	Sidecar   *Sidecar
}

// Sidecar is optional asset metadata stored next to a file.
type Sidecar struct {
	Role           string         `yaml:"role"`
	Purpose        string         `yaml:"purpose"`
	LinkedEntityID string         `yaml:"linked_entity_id"`
	PageCount      *int           `yaml:"page_count"`
	Meta           map[string]any `yaml:"meta"`
}

// AssetMeta converts the free-form meta section into typed asset metadata.
func (s *Sidecar) AssetMeta() (models.AssetMeta, error) {
	var meta models.AssetMeta
	if s == nil || len(s.Meta) == 0 {
		return meta, nil
	}
	data, err := json.Marshal(s.Meta)
	if err != nil {
		return meta, fmt.Errorf("encode sidecar meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode sidecar meta: %w", err)
	}
	return meta, nil
}

// Source supplies discovered files lazily.
type Source interface {
	Files(ctx context.Context) iter.Seq2[File, error]
}

// Dir is a Source over a directory tree. Hidden entries and sidecar files
// are skipped.
type Dir struct {
	Root string
}

// Files walks the tree in lexical order, hashing each regular file. A file
// that cannot be read is reported and the walk continues.
func (d Dir) Files(ctx context.Context) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		root, err := filepath.Abs(d.Root)
		if err != nil {
			yield(File{Path: d.Root}, err)
			return
		}
		stopped := false
		walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if !yield(File{Path: path}, err) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			}
			if path != root && strings.HasPrefix(entry.Name(), ".") {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if entry.IsDir() || !entry.Type().IsRegular() || strings.HasSuffix(entry.Name(), SidecarSuffix) {
				return nil
			}
			f, err := Describe(path)
			if rel, relErr := filepath.Rel(root, path); relErr == nil {
				f.RelPath = filepath.ToSlash(rel)
			}
			if !yield(f, err) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			yield(File{Path: root}, walkErr)
		}
	}
}

// Describe hashes one file and loads its sidecar.
func Describe(path string) (File, error) {
	f := File{Path: path, RelPath: filepath.Base(path)}
	fh, err := os.Open(path)
	if err != nil {
		return f, err
	}
	defer fh.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(fh, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return f, err
	}
	f.MimeType = detectMime(path, head[:n])
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return f, err
	}
	f.SHA256, f.SizeBytes, err = blobstore.DigestReader(fh)
	if err != nil {
		return f, err
	}
	f.Sidecar, err = loadSidecar(path + SidecarSuffix)
	return f, err
}

func detectMime(path string, head []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	return mt
}

func loadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Sidecar
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}
