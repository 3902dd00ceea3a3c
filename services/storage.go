package services

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// chunkSize is the unit in which uploads are streamed to disk so that a
// 40 GiB payload never has to fit in memory.
const chunkSize = 8 << 20 // 8 MiB

// FileStore persists inbound byte streams under the upload directory and
// sweeps aged files out of both the upload and output directories.
type FileStore struct {
	uploadDir string
	outputDir string
	maxBytes  int64
}

func NewFileStore(uploadDir, outputDir string, maxBytes int64) (*FileStore, error) {
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}
	return &FileStore{
		uploadDir: uploadDir,
		outputDir: outputDir,
		maxBytes:  maxBytes,
	}, nil
}

// UploadDir returns the directory uploads are stored in.
func (s *FileStore) UploadDir() string { return s.uploadDir }

// OutputDir returns the directory converted artifacts are written to.
func (s *FileStore) OutputDir() string { return s.outputDir }

// SaveUpload streams src to disk in fixed-size chunks and returns the stored
// path. The data lands in a temporary file first and is renamed into place
// only after the full stream has been written, so readers never observe a
// partial upload. On any failure the temporary file is removed.
//
// declaredSize is the claimed payload size (from Content-Length); pass a
// negative value when unknown. A declared or accumulated size beyond the
// ceiling fails with ErrTooLarge.
func (s *FileStore) SaveUpload(src io.Reader, declaredName string, declaredSize int64, jobID string) (string, error) {
	if declaredSize > s.maxBytes {
		return "", fmt.Errorf("%w: declared size %d exceeds limit %d", ErrTooLarge, declaredSize, s.maxBytes)
	}

	safeName := SanitizeFilename(declaredName)
	finalPath := filepath.Join(s.uploadDir, fmt.Sprintf("%s_%s", jobID, safeName))

	tmp, err := os.CreateTemp(s.uploadDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > s.maxBytes {
				cleanup()
				return "", fmt.Errorf("%w: stream exceeds limit %d", ErrTooLarge, s.maxBytes)
			}
			if _, writeErr := tmp.Write(buf[:n]); writeErr != nil {
				cleanup()
				return "", fmt.Errorf("failed to write upload: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			return "", fmt.Errorf("failed to read upload stream: %w", readErr)
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to flush upload: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize upload: %w", err)
	}

	log.Printf("[Storage] Saved upload %s (%d bytes)", filepath.Base(finalPath), total)
	return finalPath, nil
}

// Remove deletes a stored file, ignoring requests for the empty path.
func (s *FileStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CleanupAged removes upload and output files older than maxAge and returns
// how many were deleted. Temporary files from interrupted uploads are swept
// on the same schedule.
func (s *FileStore) CleanupAged(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, dir := range []string{s.uploadDir, s.outputDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Printf("[Storage] Failed to list %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename strips path components, replaces characters that are
// unsafe as a storage key, and caps the length while preserving the
// extension. Prevents path traversal via declared upload names.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	if len(name) > 255 {
		ext := ""
		if i := strings.LastIndex(name, "."); i >= 0 {
			ext = name[i:]
			name = name[:i]
		}
		if len(name) > 250 {
			name = name[:250]
		}
		name += ext
	}
	return name
}
