package storage

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"
)

// Rect is a crop region in source pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Crop cuts r out of an encoded image. JPEG input stays JPEG; everything
// else is re-encoded as PNG. It returns the bytes and their extension.
func Crop(data []byte, r Rect) ([]byte, string, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return nil, "", fmt.Errorf("crop region %dx%d is empty", r.Width, r.Height)
	}
	want := image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height).Add(src.Bounds().Min)
	region := want.Intersect(src.Bounds())
	if region.Empty() {
		return nil, "", fmt.Errorf("crop region %v is outside image %v", want, src.Bounds())
	}

	dst := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(dst, dst.Bounds(), src, region.Min, draw.Src)

	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), ".jpg", nil
	}
	if err := png.Encode(&buf, dst); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), ".png", nil
}
