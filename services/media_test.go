package services

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestFFmpegArgsPerTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		to   string
		want []string
	}{
		{"mp3", []string{"-acodec", "libmp3lame", "-b:a", "192k"}},
		{"flac", []string{"-acodec", "flac", "-compression_level", "5"}},
		{"wav", []string{"-acodec", "pcm_s16le"}},
		{"mp4", []string{"-c:v", "libx264", "-preset", "medium", "-crf", "23"}},
		{"mov", []string{"-c:v", "libx264", "-preset", "medium", "-crf", "23"}},
		{"ogg", nil},
	}

	for _, tc := range cases {
		args := strings.Join(ffmpegArgs("in.src", "out.dst", tc.to), " ")
		for _, fragment := range tc.want {
			if !strings.Contains(args, fragment) {
				t.Errorf("ffmpegArgs for %s missing %q: %s", tc.to, fragment, args)
			}
		}
		for _, always := range []string{"-i in.src", "-y", "-threads 0", "-loglevel error", "out.dst"} {
			if !strings.Contains(args, always) {
				t.Errorf("ffmpegArgs for %s missing %q: %s", tc.to, always, args)
			}
		}
	}
}

func TestConvertMediaToolFailureCarriesOutput(t *testing.T) {
	t.Parallel()

	converter, runner := newTestConverter(t)
	runner.handler = func(name string, args []string) (commandResult, error) {
		return commandResult{Output: "Invalid data found when processing input", ExitCode: 1},
			errors.New("exit status 1")
	}

	_, err := converter.Convert(context.Background(), "/tmp/in.wav", "wav", "mp3", "job-1")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.Tool != "ffmpeg" {
		t.Fatalf("expected ffmpeg tool error, got %s", toolErr.Tool)
	}
	if !strings.Contains(toolErr.Error(), "Invalid data found") {
		t.Fatalf("expected captured output in error, got %q", toolErr.Error())
	}
}

func TestConvertMediaRequiresOutputFile(t *testing.T) {
	t.Parallel()

	// Exit code zero but no file produced must still be a failure.
	converter, _ := newTestConverter(t)

	_, err := converter.Convert(context.Background(), "/tmp/in.wav", "wav", "mp3", "job-1")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError for missing output, got %v", err)
	}
}

func TestConvertMediaSuccess(t *testing.T) {
	t.Parallel()

	converter, runner := newTestConverter(t)
	runner.handler = func(name string, args []string) (commandResult, error) {
		// The output path is the final ffmpeg argument.
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("audio"), 0o644); err != nil {
			t.Fatalf("failed to create fake output: %v", err)
		}
		return commandResult{}, nil
	}

	artifact, err := converter.Convert(context.Background(), "/tmp/in.wav", "wav", "mp3", "job-1")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if artifact != converter.ArtifactPath("job-1", "mp3") {
		t.Fatalf("unexpected artifact path %s", artifact)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("expected artifact on disk: %v", err)
	}
}
