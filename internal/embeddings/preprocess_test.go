package embeddings

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tol allows for one rounding step in the 16-bit resampling path.
const tol = 1.0 / 512

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func TestResizedSize(t *testing.T) {
	tests := []struct {
		w, h, target int
		wantW, wantH int
	}{
		{640, 360, 256, 455, 256},
		{360, 640, 256, 256, 455},
		{256, 256, 256, 256, 256},
		{100, 50, 256, 512, 256},
	}
	for _, tt := range tests {
		w, h := resizedSize(tt.w, tt.h, tt.target)
		assert.Equal(t, []int{tt.wantW, tt.wantH}, []int{w, h}, "%dx%d", tt.w, tt.h)
	}
}

func TestPreprocessor_UniformFrame(t *testing.T) {
	p := DefaultPreprocessor()
	dst := make([]float32, p.TensorLen())
	require.NoError(t, p.Tensor(uniform(320, 240, color.RGBA{R: 255, G: 51, B: 0, A: 255}), dst))

	plane := p.CropSize * p.CropSize
	assert.InDelta(t, 1.0, dst[0], tol)
	assert.InDelta(t, 0.2, dst[plane+plane/2], tol)
	assert.InDelta(t, 0.0, dst[2*plane+plane-1], tol)
}

func TestPreprocessor_CenterCrop(t *testing.T) {
	// Left half red, right half blue; the crop straddles the middle.
	img := uniform(512, 256, color.RGBA{R: 255, A: 255})
	draw.Draw(img, image.Rect(256, 0, 512, 256), &image.Uniform{C: color.RGBA{B: 255, A: 255}}, image.Point{}, draw.Src)

	p := DefaultPreprocessor()
	dst := make([]float32, p.TensorLen())
	require.NoError(t, p.Tensor(img, dst))

	plane := p.CropSize * p.CropSize
	row := 100 * p.CropSize
	assert.InDelta(t, 1.0, dst[row+10], tol, "left of crop is red")
	assert.InDelta(t, 0.0, dst[2*plane+row+10], tol)
	assert.InDelta(t, 0.0, dst[row+210], tol, "right of crop is blue")
	assert.InDelta(t, 1.0, dst[2*plane+row+210], tol)
}

func TestPreprocessor_Normalize(t *testing.T) {
	p := DefaultPreprocessor()
	p.Normalize = true
	dst := make([]float32, p.TensorLen())
	require.NoError(t, p.Tensor(uniform(300, 300, color.RGBA{A: 255}), dst))

	plane := p.CropSize * p.CropSize
	for c := 0; c < 3; c++ {
		assert.InDelta(t, -ImageNetMean[c]/ImageNetStd[c], dst[c*plane], tol)
	}
}

func TestPreprocessor_Deterministic(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 97, 61))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 31)
	}
	p := DefaultPreprocessor()
	a := make([]float32, p.TensorLen())
	b := make([]float32, p.TensorLen())
	require.NoError(t, p.Tensor(img, a))
	require.NoError(t, p.Tensor(img, b))
	assert.Equal(t, a, b)
}

func TestPreprocessor_Errors(t *testing.T) {
	p := DefaultPreprocessor()
	assert.Error(t, p.Tensor(uniform(10, 10, color.RGBA{}), make([]float32, 3)))
	assert.Error(t, p.Tensor(image.NewRGBA(image.Rect(0, 0, 0, 0)), make([]float32, p.TensorLen())))

	assert.NoError(t, p.Validate())
	assert.Error(t, Preprocessor{ResizeTo: 100, CropSize: 224}.Validate())
	assert.Error(t, Preprocessor{ResizeTo: 256, CropSize: 0}.Validate())
	assert.Error(t, Preprocessor{ResizeTo: 256, CropSize: 224, Normalize: true}.Validate())
}
