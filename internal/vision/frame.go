// Package vision holds the frame and detection types shared by every pipeline stage.
package vision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"math"
)

// Frame is one decoded video frame.
type Frame struct {
	Index     int
	Timestamp float64 // seconds from start
	Image     image.Image
}

// Width returns the frame width in pixels, or 0 for an empty frame.
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels, or 0 for an empty frame.
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// BBox is an axis-aligned box in pixel coordinates. It serializes as [x1,y1,x2,y2].
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Valid reports whether the box has positive area.
func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Clamp limits the box to [0,width]x[0,height].
func (b BBox) Clamp(width, height int) BBox {
	w, h := float64(width), float64(height)
	return BBox{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

// Rect converts the box to an integer rectangle, truncating like a pixel crop would.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Slice returns the box as [x1,y1,x2,y2].
func (b BBox) Slice() []float64 {
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}

func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Slice())
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("bbox: want 4 coordinates, got %d", len(v))
	}
	*b = BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return nil
}

// RawDetection is one detector box before persistence.
type RawDetection struct {
	ClassName  string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"box"`
}

// TextRegion is one recognized text span.
type TextRegion struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"box"`
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the region of img covered by box. It fails when the integer
// rectangle is empty after truncation.
func Crop(img image.Image, box BBox) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("crop: nil image")
	}
	r := box.Rect().Add(img.Bounds().Min).Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("crop: empty region %v", r)
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(r), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return dst, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
