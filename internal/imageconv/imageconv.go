// Package imageconv converts between raw camera frame layouts (NV12, packed
// RGB) and image.Image values, and scales them with golang.org/x/image/draw.
package imageconv

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

// barColors: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// ColorBars renders vertical SMPTE-style color bars.
func ColorBars(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := range height {
		for x := range width {
			barIndex := x / barWidth
			if barIndex >= len(barColors) {
				barIndex = len(barColors) - 1
			}
			img.SetRGBA(x, y, barColors[barIndex])
		}
	}
	return img
}

// BarColor returns the color of the bar covering column x.
func BarColor(x, width int) color.RGBA {
	barWidth := width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	i := x / barWidth
	if i >= len(barColors) {
		i = len(barColors) - 1
	}
	return barColors[i]
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func chromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// NV12Size returns the byte size of an NV12 frame.
func NV12Size(width, height int) int {
	cw, ch := chromaSize(width, height)
	return width*height + 2*cw*ch
}

// NV12ToYCbCr wraps an NV12 buffer as a 4:2:0 YCbCr image, deinterleaving chroma.
func NV12ToYCbCr(data []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid nv12 size %dx%d", width, height)
	}
	if len(data) < NV12Size(width, height) {
		return nil, fmt.Errorf("nv12 buffer too short: %d < %d", len(data), NV12Size(width, height))
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	copy(img.Y, data[:width*height])

	cw, ch := chromaSize(width, height)
	uv := data[width*height:]
	for y := range ch {
		for x := range cw {
			src := (y*cw + x) * 2
			dst := y*img.CStride + x
			img.Cb[dst] = uv[src]
			img.Cr[dst] = uv[src+1]
		}
	}
	return img, nil
}

// ToNV12 converts any image to NV12, sampling chroma at the top-left pixel of each 2x2 block.
func ToNV12(img image.Image) []byte {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	cw, _ := chromaSize(width, height)
	out := make([]byte, NV12Size(width, height))
	uv := out[width*height:]

	for y := range height {
		for x := range width {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			yy, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			out[y*width+x] = yy
			if x%2 == 0 && y%2 == 0 {
				i := ((y/2)*cw + x/2) * 2
				uv[i] = cb
				uv[i+1] = cr
			}
		}
	}
	return out
}

// RGBToRGBA wraps packed 8-bit RGB as an opaque RGBA image.
func RGBToRGBA(data []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid rgb size %dx%d", width, height)
	}
	if len(data) < width*height*3 {
		return nil, fmt.Errorf("rgb buffer too short: %d < %d", len(data), width*height*3)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height*3; i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// RGBAToRGB packs an RGBA image into interleaved 8-bit RGB, dropping alpha.
func RGBAToRGB(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return out
}

// Scale resizes src to width x height with bilinear filtering.
func Scale(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Decode interprets a raw frame of the given format as an image.
func Decode(format types.FrameFormat, data []byte, width, height int) (image.Image, error) {
	switch format {
	case types.FormatNV12:
		return NV12ToYCbCr(data, width, height)
	case types.FormatRGB:
		return RGBToRGBA(data, width, height)
	case types.FormatJPEG:
		return jpeg.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("cannot decode %s frames", format)
	}
}
