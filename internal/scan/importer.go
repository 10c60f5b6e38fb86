package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"recall/internal/assets"
	"recall/internal/cas"
	"recall/internal/fault"
)

// FileError is a file that could not be imported.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ScanResult summarizes an import pass.
type ScanResult struct {
	Added    int         `json:"added"`
	Existing int         `json:"existing"`
	Errors   []FileError `json:"errors,omitempty"`
}

// Importer stores discovered files and binds each digest to an asset.
type Importer struct {
	cas    *cas.Service
	binder *assets.Binder
	log    *slog.Logger
}

// NewImporter creates an importer.
func NewImporter(store *cas.Service, binder *assets.Binder, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{cas: store, binder: binder, log: logger.With("component", "scan")}
}

// Import consumes src. Per-file failures are collected; storage failures
// and cancellation stop the pass.
func (i *Importer) Import(ctx context.Context, src Source) (ScanResult, error) {
	var result ScanResult
	for f, err := range src.Files(ctx) {
		if err == nil {
			var added bool
			added, err = i.ImportFile(ctx, f)
			if err == nil {
				if added {
					result.Added++
				} else {
					result.Existing++
				}
				continue
			}
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if isFatal(err) {
			return result, err
		}
		i.log.Warn("import failed", "path", f.Path, "err", err)
		result.Errors = append(result.Errors, FileError{Path: f.Path, Error: err.Error()})
	}
	return result, ctx.Err()
}

// ImportFile stores one described file and ensures its asset. It reports
// whether the bytes were new to this device.
func (i *Importer) ImportFile(ctx context.Context, f File) (bool, error) {
	held, err := i.cas.Has(ctx, f.SHA256)
	if err != nil {
		return false, err
	}
	if !held {
		fh, err := os.Open(f.Path)
		if err != nil {
			return false, err
		}
		blob, err := i.cas.PutReader(ctx, fh, cas.BlobMeta{
			MimeType:  f.MimeType,
			Filename:  baseName(f),
			PageCount: sidecarPages(f.Sidecar),
		})
		fh.Close()
		if err != nil {
			return false, err
		}
		if blob.SHA256 != f.SHA256 {
			return false, fmt.Errorf("%s changed while importing", f.Path)
		}
	}

	in := assets.AssetInput{Filename: baseName(f), MimeType: f.MimeType}
	if s := f.Sidecar; s != nil {
		meta, err := s.AssetMeta()
		if err != nil {
			return false, err
		}
		in.Role, in.Purpose, in.PageCount, in.Meta = s.Role, s.Purpose, s.PageCount, meta
		if s.LinkedEntityID != "" {
			linked := s.LinkedEntityID
			in.LinkedEntityID = &linked
		}
	}
	res, err := i.binder.EnsureAsset(ctx, f.SHA256, in, f.Sidecar != nil)
	if err != nil {
		return false, err
	}
	i.log.Debug("imported file", "path", f.Path, "sha256", f.SHA256, "asset_id", res.AssetID, "new", !held)
	return !held, nil
}

func baseName(f File) string {
	return filepath.Base(f.Path)
}

// isFatal reports errors that would fail every remaining file too.
func isFatal(err error) bool {
	return fault.IsStorage(err) || errors.Is(err, fault.ErrTransitionPending)
}

func sidecarPages(s *Sidecar) *int {
	if s == nil {
		return nil
	}
	return s.PageCount
}
