package extractor

import (
	"image"
	"io"

	"github.com/bdougie/viddedup/internal/models"
)

// Frame is a sampled frame and its index in the decoded stream
type Frame struct {
	Index int
	Image image.Image
}

// SampleIndices lists the frame indices a sampler selects: 0, stride,
// 2*stride, ... below total, truncated to the first cap. A negative total
// means the length is unknown and only cap bounds the result.
func SampleIndices(total, stride, cap int) []int {
	var indices []int
	for i := 0; len(indices) < cap; i += stride {
		if total >= 0 && i >= total {
			break
		}
		indices = append(indices, i)
	}
	return indices
}

// Sampler pulls the selected frames from a FrameSource, decoding no further
// than the last index it needs.
type Sampler struct {
	src    FrameSource
	stride int
	cap    int
	total  int
	pos    int // index of the next frame src will return
	taken  int
}

// NewSampler validates opts and wraps src
func NewSampler(src FrameSource, opts models.SampleOptions) (*Sampler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		src:    src,
		stride: opts.Stride,
		cap:    opts.Cap,
		total:  src.FrameCount(),
	}, nil
}

// Next returns the next selected frame, or io.EOF when the cap is reached,
// the reported frame count is exhausted, or the stream ends.
func (s *Sampler) Next() (Frame, error) {
	if s.taken >= s.cap {
		return Frame{}, io.EOF
	}
	target := s.taken * s.stride
	if s.total >= 0 && target >= s.total {
		return Frame{}, io.EOF
	}

	for {
		img, err := s.src.Next()
		if err != nil {
			return Frame{}, err
		}
		idx := s.pos
		s.pos++
		if idx == target {
			s.taken++
			return Frame{Index: idx, Image: img}, nil
		}
	}
}

// Taken returns how many frames have been sampled so far
func (s *Sampler) Taken() int {
	return s.taken
}
