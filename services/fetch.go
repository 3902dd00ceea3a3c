package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// youtubePatterns is the allow-list of remote-source URL shapes. Anything
// else is rejected before a downloader subprocess is spawned.
var youtubePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(?:www\.)?youtube\.com/watch\?v=[\w-]+`),
	regexp.MustCompile(`^https?://(?:www\.)?youtu\.be/[\w-]+`),
	regexp.MustCompile(`^https?://(?:www\.)?youtube\.com/embed/[\w-]+`),
	regexp.MustCompile(`^https?://(?:www\.)?youtube\.com/v/[\w-]+`),
}

// ValidateSourceURL checks a remote-source URL against the allow-list.
func ValidateSourceURL(url string) error {
	for _, pattern := range youtubePatterns {
		if pattern.MatchString(url) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidSourceURL, url)
}

var audioExtractFormats = map[string]bool{
	"mp3": true, "wav": true, "flac": true, "aiff": true,
}

// Fetcher downloads remote media sources via yt-dlp.
type Fetcher struct {
	outputDir string
	runner    commandRunner
}

func NewFetcher(outputDir string) *Fetcher {
	return &Fetcher{
		outputDir: outputDir,
		runner:    execRunner{},
	}
}

// Fetch downloads the media behind url and returns the local file path. For
// audio targets yt-dlp extracts the audio stream directly into the target
// format. The download is located afterwards by the job-derived name prefix;
// zero or ambiguous matches fail with DownloadError, since an ambiguous
// match means a partial file from a prior attempt collided.
func (f *Fetcher) Fetch(ctx context.Context, url, toFormat, jobID string) (string, error) {
	if err := ValidateSourceURL(url); err != nil {
		return "", err
	}

	template := filepath.Join(f.outputDir, jobID+"_source.%(ext)s")
	var args []string
	if audioExtractFormats[strings.ToLower(toFormat)] {
		args = append(args, "--extract-audio", "--audio-format", strings.ToLower(toFormat))
	}
	args = append(args, "--output", template, url)

	log.Printf("[Fetch] Running yt-dlp for job %s", jobID)
	result, err := f.runner.Run(ctx, "yt-dlp", args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("download aborted: %w", ctx.Err())
		}
		return "", &ToolError{Tool: "yt-dlp", ExitCode: result.ExitCode, Output: result.Output, Err: err}
	}

	return f.locateDownload(jobID)
}

func (f *Fetcher) locateDownload(jobID string) (string, error) {
	entries, err := os.ReadDir(f.outputDir)
	if err != nil {
		return "", &DownloadError{Message: "failed to list download dir", Err: err}
	}

	prefix := jobID + "_source."
	var matches []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			matches = append(matches, entry.Name())
		}
	}

	switch len(matches) {
	case 0:
		return "", &DownloadError{Message: "downloaded file not found"}
	case 1:
		return filepath.Join(f.outputDir, matches[0]), nil
	default:
		return "", &DownloadError{
			Message: fmt.Sprintf("ambiguous download results: %s", strings.Join(matches, ", ")),
		}
	}
}
