package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedConversion means no backend matches the format pair.
	ErrUnsupportedConversion = errors.New("unsupported conversion")

	// ErrTooLarge means a payload exceeds the configured size ceiling.
	ErrTooLarge = errors.New("file too large")

	// ErrInvalidSourceURL means a remote-source URL does not match any
	// allow-listed pattern. No subprocess is spawned for such a URL.
	ErrInvalidSourceURL = errors.New("invalid source URL")
)

// ToolError reports an external tool that exited non-zero or crashed. The
// captured combined output is carried verbatim so it can be attached to the
// job's error detail.
type ToolError struct {
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s failed with code %d: %s", e.Tool, e.ExitCode, e.Output)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// DownloadError reports a remote-source fetch that produced no usable file.
type DownloadError struct {
	Message string
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("download failed: %s", e.Message)
}

func (e *DownloadError) Unwrap() error { return e.Err }
