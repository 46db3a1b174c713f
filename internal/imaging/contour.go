// Package imaging holds the processing function applied to each job: edge
// based contour extraction drawn back over the source image.
package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ProcessingError marks input that was accepted by ingress but turned out
// not to be a decodable image (corrupt bytes, truncated file, lying
// extension). It is terminal for the job; retrying cannot fix the input.
type ProcessingError struct {
	Reason string
	Err    error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("processing: %s: %v", e.Reason, e.Err)
	}
	return "processing: " + e.Reason
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Processor is the pluggable computation run by a worker. Implementations
// must be side-effect free except for writing outputPath.
type Processor interface {
	Process(ctx context.Context, inputPath, outputPath string) error
}

// ContourDetector finds high-gradient outlines with a Sobel operator and
// traces them in green over the original image, writing a JPEG artifact.
type ContourDetector struct {
	// Threshold is the minimum gradient magnitude (0..1020 scale) for a
	// pixel to count as part of a contour.
	Threshold int
	// Quality is the JPEG quality of the result artifact.
	Quality int
}

var _ Processor = ContourDetector{}

func NewContourDetector() ContourDetector {
	return ContourDetector{Threshold: 200, Quality: 90}
}

func (c ContourDetector) Process(ctx context.Context, inputPath, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return &ProcessingError{Reason: "decode image", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	gray := grayscale(src)
	edges := c.sobelEdges(gray)

	out := image.NewRGBA(src.Bounds())
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	contour := color.RGBA{G: 255, A: 255}
	b := out.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if edges[(y-b.Min.Y)*b.Dx()+(x-b.Min.X)] {
				out.SetRGBA(x, y, contour)
			}
		}
	}

	// Encode into a temp file and rename, so a client fetching the result
	// URL never observes a partially written artifact.
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".partial-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := jpeg.Encode(tmp, out, &jpeg.Options{Quality: c.Quality}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s result: %w", format, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), outputPath)
}

func grayscale(src image.Image) *image.Gray {
	b := src.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, src, b.Min, draw.Src)
	return gray
}

// sobelEdges returns a mask of pixels whose gradient magnitude crosses the
// threshold. The result approximates the external contours of shapes in
// the image; interior pixels of flat regions never light up.
func (c ContourDetector) sobelEdges(gray *image.Gray) []bool {
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	mask := make([]bool, w*h)
	if w < 3 || h < 3 {
		return mask
	}

	at := func(x, y int) int {
		return int(gray.Pix[y*gray.Stride+x])
	}
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -at(x-1, y-1) + at(x+1, y-1) +
				-2*at(x-1, y) + 2*at(x+1, y) +
				-at(x-1, y+1) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			if gx < 0 {
				gx = -gx
			}
			if gy < 0 {
				gy = -gy
			}
			if gx+gy >= c.Threshold {
				mask[y*w+x] = true
			}
		}
	}
	return mask
}
