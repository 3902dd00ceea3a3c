package services

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
)

type fakeCall struct {
	name string
	args []string
}

// fakeRunner satisfies commandRunner and records invocations. The handler,
// when set, decides the result; otherwise every call succeeds.
type fakeRunner struct {
	calls   []fakeCall
	handler func(name string, args []string) (commandResult, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, fakeCall{name: name, args: args})
	if f.handler != nil {
		return f.handler(name, args)
	}
	return commandResult{}, nil
}

func newTestConverter(t *testing.T) (*Converter, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	converter := NewConverter(t.TempDir())
	converter.runner = runner
	return converter, runner
}

func TestConvertRejectsUnsupportedPair(t *testing.T) {
	t.Parallel()

	converter, runner := newTestConverter(t)

	_, err := converter.Convert(context.Background(), "/tmp/in.mp4", "mp4", "wav", "job-1")
	if !errors.Is(err, ErrUnsupportedConversion) {
		t.Fatalf("expected ErrUnsupportedConversion, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("no external tool may run for an unsupported pair, got %v", runner.calls)
	}
}

func TestConvertDispatchesExactlyOneBackend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to string
		media    bool
		image    bool
		archive  bool
	}{
		{"wav", "mp3", true, false, false},
		{"mp4", "mov", true, false, false},
		{"webm", "mp4", true, false, false},
		{"png", "jpg", false, true, false},
		{"jpeg", "png", false, true, false},
		{"zip", "rar", false, false, true},
		{"iso", "zip", false, false, true},
		{"zip", "iso", false, false, false},
		{"png", "mp3", false, false, false},
	}

	for _, tc := range cases {
		matched := 0
		if isMediaConversion(tc.from, tc.to) {
			matched++
		}
		if isImageConversion(tc.from, tc.to) {
			matched++
		}
		if isArchiveConversion(tc.from, tc.to) {
			matched++
		}

		want := 0
		if tc.media || tc.image || tc.archive {
			want = 1
		}
		if matched != want {
			t.Errorf("(%s -> %s): %d backends matched, want %d", tc.from, tc.to, matched, want)
		}
		if isMediaConversion(tc.from, tc.to) != tc.media {
			t.Errorf("(%s -> %s): media classification mismatch", tc.from, tc.to)
		}
		if isImageConversion(tc.from, tc.to) != tc.image {
			t.Errorf("(%s -> %s): image classification mismatch", tc.from, tc.to)
		}
		if isArchiveConversion(tc.from, tc.to) != tc.archive {
			t.Errorf("(%s -> %s): archive classification mismatch", tc.from, tc.to)
		}
	}
}

func TestArtifactPathIsDerivedFromJobIdentity(t *testing.T) {
	t.Parallel()

	converter := NewConverter("/outputs")
	got := converter.ArtifactPath("job-42", "mp3")
	want := filepath.Join("/outputs", "job-42_converted.mp3")
	if got != want {
		t.Fatalf("ArtifactPath = %q, want %q", got, want)
	}
}

func TestExecRunnerCapturesExitCode(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	result, err := execRunner{}.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	if err == nil {
		t.Fatal("expected non-zero exit to surface as error")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Output == "" {
		t.Fatal("expected combined output to be captured")
	}
}
