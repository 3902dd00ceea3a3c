package services

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// convertArchive extracts the source archive into an ephemeral directory and
// re-packs its contents into the target format. The extraction directory is
// removed on every exit path.
func (c *Converter) convertArchive(ctx context.Context, sourcePath, outputPath, fromFormat, toFormat string) (string, error) {
	tempDir, err := os.MkdirTemp("", "gigovert-archive-")
	if err != nil {
		return "", fmt.Errorf("failed to create extraction dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := c.extractArchive(ctx, sourcePath, tempDir, fromFormat); err != nil {
		return "", err
	}
	if err := c.packArchive(ctx, tempDir, outputPath, toFormat); err != nil {
		os.Remove(outputPath)
		return "", err
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("archive output missing after conversion: %w", err)
	}
	return outputPath, nil
}

func (c *Converter) extractArchive(ctx context.Context, sourcePath, destDir, fromFormat string) error {
	switch fromFormat {
	case "zip":
		return extractZip(sourcePath, destDir)
	case "rar":
		result, err := c.runner.Run(ctx, "unrar", "x", "-o+", sourcePath, destDir+string(os.PathSeparator))
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("archive extraction aborted: %w", ctx.Err())
			}
			return &ToolError{Tool: "unrar", ExitCode: result.ExitCode, Output: result.Output, Err: err}
		}
		return nil
	case "iso":
		result, err := c.runner.Run(ctx, "7z", "x", "-y", "-o"+destDir, sourcePath)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("archive extraction aborted: %w", ctx.Err())
			}
			return &ToolError{Tool: "7z", ExitCode: result.ExitCode, Output: result.Output, Err: err}
		}
		return nil
	default:
		return fmt.Errorf("%w: archive source %s", ErrUnsupportedConversion, fromFormat)
	}
}

func (c *Converter) packArchive(ctx context.Context, srcDir, outputPath, toFormat string) error {
	switch toFormat {
	case "zip":
		return createZip(srcDir, outputPath)
	case "rar":
		// -ep1 stores entries relative to srcDir instead of its absolute path.
		result, err := c.runner.Run(ctx, "rar", "a", "-r", "-ep1", outputPath, srcDir)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("archive creation aborted: %w", ctx.Err())
			}
			return &ToolError{Tool: "rar", ExitCode: result.ExitCode, Output: result.Output, Err: err}
		}
		return nil
	default:
		return fmt.Errorf("%w: archive target %s", ErrUnsupportedConversion, toFormat)
	}
}

func extractZip(sourcePath, destDir string) error {
	reader, err := zip.OpenReader(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		target := filepath.Join(destDir, filepath.Clean(file.Name))
		// Entries must stay under destDir even with crafted names.
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry escapes extraction dir: %s", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", file.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create dir for %s: %w", file.Name, err)
		}

		if err := extractZipEntry(file, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %s: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}
	return nil
}

func createZip(srcDir, outputPath string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer out.Close()

	writer := zip.NewWriter(out)

	err = filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		entry, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("failed to add zip entry %s: %w", rel, err)
		}
		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer src.Close()

		_, err = io.Copy(entry, src)
		return err
	})
	if err != nil {
		writer.Close()
		return fmt.Errorf("failed to pack zip: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize zip: %w", err)
	}
	return out.Close()
}
