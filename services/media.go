package services

import (
	"context"
	"fmt"
	"os"
)

// ffmpegArgs builds the ffmpeg invocation for one conversion. Codec flags
// per target format; everything else gets ffmpeg's defaults. -threads 0
// lets ffmpeg use all available cores.
func ffmpegArgs(sourcePath, outputPath, toFormat string) []string {
	args := []string{"-i", sourcePath, "-y"}

	switch toFormat {
	case "mp3":
		args = append(args, "-acodec", "libmp3lame", "-b:a", "192k")
	case "flac":
		args = append(args, "-acodec", "flac", "-compression_level", "5")
	case "wav":
		args = append(args, "-acodec", "pcm_s16le")
	case "mp4", "mov":
		args = append(args, "-c:v", "libx264", "-preset", "medium", "-crf", "23")
	}

	args = append(args,
		"-nostats",
		"-loglevel", "error",
		"-threads", "0",
		outputPath,
	)
	return args
}

func (c *Converter) convertMedia(ctx context.Context, sourcePath, outputPath, toFormat string) (string, error) {
	result, err := c.runner.Run(ctx, "ffmpeg", ffmpegArgs(sourcePath, outputPath, toFormat)...)
	if err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffmpeg conversion aborted: %w", ctx.Err())
		}
		return "", &ToolError{Tool: "ffmpeg", ExitCode: result.ExitCode, Output: result.Output, Err: err}
	}

	// ffmpeg can exit zero without producing a file (e.g. empty input).
	if _, err := os.Stat(outputPath); err != nil {
		return "", &ToolError{
			Tool:     "ffmpeg",
			ExitCode: result.ExitCode,
			Output:   "output file missing after conversion",
			Err:      err,
		}
	}
	return outputPath, nil
}
