package kasuki

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"runtime"
	"sync"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

// pngDataURIPrefix prefixes the re-encoded avatar stored on
// [MemberColor.Image], making the blob self-describing.
const pngDataURIPrefix = "data:image/png;base64,"

var (
	// ErrImageDecode indicates the fetched avatar bytes were not a
	// recognizable image (unsupported format, truncated, or corrupt).
	ErrImageDecode = errors.New("unable to decode image")

	// ErrImageEncode indicates the normalized avatar could not be
	// re-encoded as PNG.
	ErrImageEncode = errors.New("unable to encode image")

	// ErrEmptyImage indicates the decoded avatar has zero pixels.
	ErrEmptyImage = errors.New("image has no pixels")
)

// avatarColor is the output of [computeAvatarColor]: the average color of
// an avatar, and the normalized avatar re-encoded for storage.
type avatarColor struct {
	// Hex is the average color as canonical lowercase "#rrggbb"
	Hex string

	// Image is the normalized avatar re-encoded as a base64 PNG data URI
	Image string
}

// computeAvatarColor decodes the given image bytes, computes the average
// color across all pixels, and re-encodes the image as a base64 PNG data
// URI.
//
// All supported source formats (PNG, JPEG, GIF, WebP) are normalized to
// 8-bit NRGBA before the reduction, so every pixel contributes exactly one
// byte per channel. Channel means are truncated to integers.
func computeAvatarColor(data []byte) (*avatarColor, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrImageDecode, err.Error())
	}

	normalized := normalizeNRGBA(img)

	hex, err := meanColorHex(normalized)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if err = png.Encode(buf, normalized); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrImageEncode, err.Error())
	}

	return &avatarColor{
		Hex: hex,
		Image: fmt.Sprintf(
			"%s%s",
			pngDataURIPrefix,
			base64.StdEncoding.EncodeToString(buf.Bytes()),
		),
	}, nil
}

// normalizeNRGBA converts an arbitrary decoded image to 8-bit NRGBA,
// anchored at the origin.
func normalizeNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	bounds := img.Bounds()
	normalized := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(normalized, normalized.Bounds(), img, bounds.Min, draw.Src)
	return normalized
}

// channelSums accumulates per-channel totals for one partition of the
// pixel grid.
type channelSums struct {
	r uint64
	g uint64
	b uint64
}

// meanColorHex computes the arithmetic mean of the red, green and blue
// channels across all pixels of the given image, returned as a canonical
// lowercase "#rrggbb" string.
//
// The pixel grid is partitioned by row ranges across up to
// [runtime.NumCPU] workers. Each worker sums its own rows, and the
// partition sums are combined once every worker has finished. Avatars can
// be large (up to 4096x4096 from the Discord CDN), and a bulk pass runs
// this once per stale member, so this is the one CPU-bound hot spot in
// the bot.
func meanColorHex(img *image.NRGBA) (string, error) {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	pixelCount := uint64(width) * uint64(height)
	if pixelCount == 0 {
		return "", ErrEmptyImage
	}

	workers := runtime.NumCPU()
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}

	sums := make([]channelSums, workers)
	rowsPerWorker := height / workers

	wg := &sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		startRow := i * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if i == workers-1 {
			endRow = height
		}

		wg.Add(1)
		go func(part int, startRow int, endRow int) {
			defer wg.Done()
			var s channelSums
			for y := startRow; y < endRow; y++ {
				row := img.Pix[y*img.Stride : y*img.Stride+width*4]
				for x := 0; x < len(row); x += 4 {
					s.r += uint64(row[x])
					s.g += uint64(row[x+1])
					s.b += uint64(row[x+2])
				}
			}
			sums[part] = s
		}(i, startRow, endRow)
	}
	wg.Wait()

	var total channelSums
	for _, s := range sums {
		total.r += s.r
		total.g += s.g
		total.b += s.b
	}

	return fmt.Sprintf(
		"#%02x%02x%02x",
		uint8(total.r/pixelCount),
		uint8(total.g/pixelCount),
		uint8(total.b/pixelCount),
	), nil
}
