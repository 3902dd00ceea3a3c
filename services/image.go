package services

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
)

// convertImage decodes the source, flattens alpha over a white background
// when the target format cannot represent it, and re-encodes.
func (c *Converter) convertImage(sourcePath, outputPath, toFormat string) (string, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output image: %w", err)
	}
	defer out.Close()

	switch toFormat {
	case "jpg", "jpeg":
		err = jpeg.Encode(out, flattenAlpha(img), nil)
	case "png":
		err = png.Encode(out, img)
	default:
		os.Remove(outputPath)
		return "", fmt.Errorf("%w: image target %s", ErrUnsupportedConversion, toFormat)
	}
	if err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("failed to encode %s: %w", toFormat, err)
	}
	return outputPath, nil
}

// flattenAlpha composites img over an opaque white background.
func flattenAlpha(img image.Image) image.Image {
	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)
	return flat
}
