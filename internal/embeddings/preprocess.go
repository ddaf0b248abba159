package embeddings

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// ImageNet channel statistics, used when Preprocessor.Normalize is set.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocessor turns a frame into the model's input tensor: the shorter side
// is resized to ResizeTo with bilinear filtering, a CropSize square is cut
// from the center, and pixels are scaled to [0,1] in CHW order.
type Preprocessor struct {
	ResizeTo  int
	CropSize  int
	Normalize bool
	Mean      [3]float32
	Std       [3]float32
}

// DefaultPreprocessor matches the 256/224 pipeline ResNet-style models use
func DefaultPreprocessor() Preprocessor {
	return Preprocessor{
		ResizeTo: 256,
		CropSize: 224,
		Mean:     ImageNetMean,
		Std:      ImageNetStd,
	}
}

// Validate checks that the sizes are usable
func (p Preprocessor) Validate() error {
	if p.CropSize <= 0 {
		return fmt.Errorf("crop size must be positive, got %d", p.CropSize)
	}
	if p.ResizeTo < p.CropSize {
		return fmt.Errorf("resize size %d is smaller than crop size %d", p.ResizeTo, p.CropSize)
	}
	if p.Normalize {
		for c, s := range p.Std {
			if s == 0 {
				return fmt.Errorf("std for channel %d is zero", c)
			}
		}
	}
	return nil
}

// TensorLen is the number of float32 values Tensor produces
func (p Preprocessor) TensorLen() int {
	return 3 * p.CropSize * p.CropSize
}

// Shape returns the NCHW input shape for a single frame
func (p Preprocessor) Shape() []int64 {
	return []int64{1, 3, int64(p.CropSize), int64(p.CropSize)}
}

// Tensor writes the preprocessed frame into dst, which must hold TensorLen values.
func (p Preprocessor) Tensor(img image.Image, dst []float32) error {
	if len(dst) != p.TensorLen() {
		return fmt.Errorf("tensor buffer has %d values, need %d", len(dst), p.TensorLen())
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("empty frame %dx%d", b.Dx(), b.Dy())
	}

	w, h := resizedSize(b.Dx(), b.Dy(), p.ResizeTo)
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	x0 := (w - p.CropSize) / 2
	y0 := (h - p.CropSize) / 2
	plane := p.CropSize * p.CropSize
	for y := 0; y < p.CropSize; y++ {
		row := resized.Pix[(y0+y)*resized.Stride:]
		for x := 0; x < p.CropSize; x++ {
			px := row[(x0+x)*4:]
			i := y*p.CropSize + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				if p.Normalize {
					v = (v - p.Mean[c]) / p.Std[c]
				}
				dst[c*plane+i] = v
			}
		}
	}
	return nil
}

// resizedSize scales (w, h) so the shorter side equals target.
func resizedSize(w, h, target int) (int, int) {
	if w <= h {
		return target, max(target, (h*target+w/2)/w)
	}
	return max(target, (w*target+h/2)/h), target
}
