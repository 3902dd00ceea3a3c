package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

var mediaTargetFormats = map[string]bool{
	"mp3": true, "wav": true, "flac": true, "ogg": true,
	"aiff": true, "mp4": true, "mov": true,
}

// mediaSourceFormats is wider than the capability table: remote fetches can
// hand the media backend containers the table never exposes to clients
// (whatever yt-dlp emitted), and ffmpeg reads them all the same.
var mediaSourceFormats = map[string]bool{
	"mp3": true, "wav": true, "flac": true, "ogg": true, "aiff": true,
	"mp4": true, "mov": true, "webm": true, "mkv": true, "m4a": true,
	"avi": true, "opus": true, "aac": true,
}

var imageFormats = map[string]bool{
	"png": true, "jpg": true, "jpeg": true,
}

var archiveSourceFormats = map[string]bool{
	"zip": true, "rar": true, "iso": true,
}

var archiveTargetFormats = map[string]bool{
	"zip": true, "rar": true,
}

// Converter dispatches a (from, to) format pair to exactly one backend:
// media (ffmpeg subprocess), image (in-process codec), or archive
// (extract and re-pack through a temporary directory).
type Converter struct {
	outputDir string
	runner    commandRunner
}

func NewConverter(outputDir string) *Converter {
	return &Converter{
		outputDir: outputDir,
		runner:    execRunner{},
	}
}

// ArtifactPath derives the converted-file location from the job identity.
func (c *Converter) ArtifactPath(jobID, toFormat string) string {
	return filepath.Join(c.outputDir, fmt.Sprintf("%s_converted.%s", jobID, toFormat))
}

// Convert produces the converted artifact for jobID and returns its path.
// A pair matching no backend fails with ErrUnsupportedConversion before any
// external tool is invoked.
func (c *Converter) Convert(ctx context.Context, sourcePath, fromFormat, toFormat, jobID string) (string, error) {
	from := strings.ToLower(fromFormat)
	to := strings.ToLower(toFormat)
	outputPath := c.ArtifactPath(jobID, to)

	switch {
	case isMediaConversion(from, to):
		return c.convertMedia(ctx, sourcePath, outputPath, to)
	case isImageConversion(from, to):
		return c.convertImage(sourcePath, outputPath, to)
	case isArchiveConversion(from, to):
		return c.convertArchive(ctx, sourcePath, outputPath, from, to)
	default:
		return "", fmt.Errorf("%w: %s to %s", ErrUnsupportedConversion, fromFormat, toFormat)
	}
}

func isMediaConversion(from, to string) bool {
	return mediaSourceFormats[from] && mediaTargetFormats[to]
}

func isImageConversion(from, to string) bool {
	return imageFormats[from] && imageFormats[to]
}

func isArchiveConversion(from, to string) bool {
	return archiveSourceFormats[from] && archiveTargetFormats[to]
}
