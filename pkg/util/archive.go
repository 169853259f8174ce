package util

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"
)

type Archiver struct {
	OverwriteExisting bool
}

type ArchiverOption func(*Archiver)

func NewArchiver(opts ...ArchiverOption) *Archiver {
	ar := &Archiver{}
	for _, opt := range opts {
		opt(ar)
	}
	return ar
}

func WithOverwrite(overwrite bool) ArchiverOption {
	return func(a *Archiver) {
		a.OverwriteExisting = overwrite
	}
}

// Extract unpacks the archive at source into destination, preserving the
// directory structure. The format is detected from the file name (tar,
// tar.gz, tar.xz, zip and friends). Entries that would escape destination
// are rejected.
func (a *Archiver) Extract(source, destination string) error {
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source file does not exist: %s", source)
		}
		return fmt.Errorf("failed to stat source file %s: %w", source, err)
	}
	if info.IsDir() {
		return fmt.Errorf("source is a directory, not a file: %s", source)
	}

	cleanDest := filepath.Clean(destination)

	walkFn := func(f archiver.File) error {
		defer f.Close()

		name := entryName(f)
		destPath := filepath.Join(destination, name)
		if destPath != cleanDest && !strings.HasPrefix(destPath, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes destination", name)
		}

		if !a.OverwriteExisting {
			if _, err := os.Stat(destPath); !os.IsNotExist(err) {
				return nil
			}
		}

		if f.IsDir() {
			return os.MkdirAll(destPath, f.Mode())
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory for %s: %w", destPath, err)
		}

		outFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return fmt.Errorf("failed to create destination file %s: %w", destPath, err)
		}
		defer outFile.Close()

		if _, err := io.Copy(outFile, f); err != nil {
			return fmt.Errorf("failed to write to destination file %s: %w", destPath, err)
		}

		return nil
	}

	if err := archiver.Walk(source, walkFn); err != nil {
		return fmt.Errorf("failed to walk archive %s: %w", source, err)
	}

	return nil
}

// entryName digs the full entry path out of the format header; File.Name
// only carries the base name.
func entryName(f archiver.File) string {
	switch h := f.Header.(type) {
	case *tar.Header:
		return h.Name
	case zip.FileHeader:
		return h.Name
	}
	return f.Name()
}

// Compress packs sources into the archive at destination.
func (a *Archiver) Compress(sources []string, destination string) error {
	for _, src := range sources {
		if _, err := os.Stat(src); os.IsNotExist(err) {
			return fmt.Errorf("source to compress does not exist: %s", src)
		}
	}
	if a.OverwriteExisting {
		if _, err := os.Stat(destination); err == nil {
			if err := os.Remove(destination); err != nil {
				return fmt.Errorf("failed to remove existing destination archive %s for overwrite: %w", destination, err)
			}
		}
	}
	return archiver.Archive(sources, destination)
}
