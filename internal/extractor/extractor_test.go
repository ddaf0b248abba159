package extractor

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[{"width":640,"height":360,"nb_frames":"250"}]}`))
	require.NoError(t, err)
	assert.Equal(t, VideoInfo{Width: 640, Height: 360, FrameCount: 250}, info)
}

func TestParseProbe_UnknownFrameCount(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[{"width":320,"height":240}]}`))
	require.NoError(t, err)
	assert.Equal(t, -1, info.FrameCount)

	info, err = parseProbe([]byte(`{"streams":[{"width":320,"height":240,"nb_frames":"N/A"}]}`))
	require.NoError(t, err)
	assert.Equal(t, -1, info.FrameCount)
}

func TestParseProbe_NoVideo(t *testing.T) {
	_, err := parseProbe([]byte(`{"streams":[]}`))
	assert.True(t, errors.Is(err, ErrNoVideoStream))

	_, err = parseProbe([]byte(`{"streams":[{"width":0,"height":0}]}`))
	assert.True(t, errors.Is(err, ErrNoVideoStream))

	_, err = parseProbe([]byte(`not json`))
	assert.Error(t, err)
}

func TestRGBToImage(t *testing.T) {
	buf := []byte{
		255, 0, 0, 0, 255, 0,
		0, 0, 255, 10, 20, 30,
	}
	img := rgbToImage(buf, 2, 2)

	r, g, b, a := img.At(1, 1).RGBA()
	assert.Equal(t, []uint32{10, 20, 30, 255}, []uint32{r >> 8, g >> 8, b >> 8, a >> 8})
	r, _, _, _ = img.At(0, 0).RGBA()
	assert.Equal(t, uint32(255), r>>8)
}

func TestLimitedBuffer(t *testing.T) {
	var b limitedBuffer
	big := make([]byte, stderrLimit+100)
	n, err := b.Write(big)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	assert.Len(t, b.String(), stderrLimit)
}

func TestFFmpeg_ProbeMissingFile(t *testing.T) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
	_, err := NewFFmpeg("", "").Probe(t.Context(), "/nonexistent/video.mp4")
	assert.Error(t, err)
}
