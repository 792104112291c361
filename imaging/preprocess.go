package imaging

import (
	"bufio"
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// InputSize is the side length images are resized to.
const InputSize = 224

// InputShape is the network input shape.
var InputShape = Shape{H: InputSize, W: InputSize, C: 3}

// MaxPixels bounds width × height of a decodable image. Headers announcing
// more are rejected before any pixel data is allocated.
const MaxPixels = 25_000_000

// Decode reads an image in any registered format (png, jpeg, gif, bmp,
// webp). source only labels the error.
func Decode(r io.Reader, source string) (image.Image, string, error) {
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, "", errors.NewImageDecodeError(source, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > MaxPixels {
		return nil, "", errors.NewImageDecodeError(source,
			errors.Newf("image is %dx%d, above the %d pixel limit", cfg.Width, cfg.Height, MaxPixels))
	}

	img, format, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, "", errors.NewImageDecodeError(source, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", errors.NewImageDecodeError(source, errors.New("image has no pixels"))
	}
	return img, format, nil
}

// Preprocess decodes r and returns the normalized network input.
func Preprocess(r io.Reader) (*Tensor, error) {
	img, _, err := Decode(r, "")
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// PreprocessFile opens path and runs Preprocess on it.
func PreprocessFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewImageDecodeError(path, err)
	}
	defer f.Close()

	img, _, err := Decode(bufio.NewReader(f), path)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// FromImage resizes img to InputSize × InputSize with Catmull-Rom resampling,
// drops alpha and scales each channel to [0,1].
func FromImage(img image.Image) *Tensor {
	dst := image.NewNRGBA(image.Rect(0, 0, InputSize, InputSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	t := NewTensor(InputShape)
	for y := 0; y < InputSize; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+InputSize*4]
		for x := 0; x < InputSize; x++ {
			p := row[x*4 : x*4+4]
			base := (y*InputSize + x) * 3
			t.Data[base] = float64(p[0]) / 255
			t.Data[base+1] = float64(p[1]) / 255
			t.Data[base+2] = float64(p[2]) / 255
		}
	}
	return t
}
