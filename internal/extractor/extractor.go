package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ErrNoVideoStream is returned when the input has no decodable video stream.
var ErrNoVideoStream = errors.New("no video stream")

// FrameSource is a sequential, single-pass stream of decoded frames.
type FrameSource interface {
	// Next returns the next frame, or io.EOF after the last one.
	Next() (image.Image, error)

	// FrameCount returns the frame count reported by the container, or -1
	// if it is unknown.
	FrameCount() int

	// Close stops decoding and releases the stream.
	Close() error
}

// VideoInfo describes the first video stream of an input
type VideoInfo struct {
	Width      int
	Height     int
	FrameCount int // -1 when the container does not report it
}

// FFmpeg decodes videos by running the ffmpeg and ffprobe executables
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpeg returns a decoder using the given executables, defaulting to
// "ffmpeg" and "ffprobe" on PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

type probeOutput struct {
	Streams []struct {
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		NbFrames string `json:"nb_frames"`
	} `json:"streams"`
}

// Probe reads the dimensions and frame count of the first video stream
func (f *FFmpeg) Probe(ctx context.Context, input string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames",
		"-of", "json",
		input,
	)

	// Capture output for better error reporting
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseProbe(output)
}

func parseProbe(output []byte) (VideoInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return VideoInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return VideoInfo{}, ErrNoVideoStream
	}

	s := probe.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("%w: invalid frame size %dx%d", ErrNoVideoStream, s.Width, s.Height)
	}

	info := VideoInfo{Width: s.Width, Height: s.Height, FrameCount: -1}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n >= 0 {
		info.FrameCount = n
	}
	return info, nil
}

// Open probes input and starts decoding it into raw RGB frames. ffprobe and
// ffmpeg each open input, so a URL is fetched twice; download remote
// sources first when that matters.
func (f *FFmpeg) Open(ctx context.Context, input string) (FrameSource, error) {
	info, err := f.Probe(ctx, input)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, f.FFmpegPath,
		"-v", "error",
		"-noautorotate",
		"-i", input,
		"-map", "0:v:0",
		"-vsync", "0",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stream := &ffmpegStream{
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		info:   info,
		frame:  make([]byte, info.Width*info.Height*3),
	}
	cmd.Stderr = &stream.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return stream, nil
}

// ffmpegStream reads fixed-size rgb24 frames from ffmpeg's stdout.
type ffmpegStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr limitedBuffer
	info   VideoInfo
	frame  []byte

	closeOnce sync.Once
	closeErr  error
	done      bool
	decoded   int
}

func (s *ffmpegStream) FrameCount() int {
	return s.info.FrameCount
}

func (s *ffmpegStream) Next() (image.Image, error) {
	if s.done {
		return nil, io.EOF
	}

	_, err := io.ReadFull(s.stdout, s.frame)
	if err != nil {
		s.done = true
		// A short trailing read is an incomplete frame; stop there. A decode
		// error after some good frames ends the stream rather than
		// failing the frames already read.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if werr := s.wait(); werr != nil && s.decoded == 0 {
				return nil, werr
			}
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	s.decoded++
	return rgbToImage(s.frame, s.info.Width, s.info.Height), nil
}

// wait reaps ffmpeg after its output ended and reports a decode failure.
func (s *ffmpegStream) wait() error {
	s.closeOnce.Do(func() {
		err := s.cmd.Wait()
		s.cancel()
		if err != nil {
			s.closeErr = fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.closeErr
}

// Close stops ffmpeg early if frames remain undecoded
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		// Killing the process is the normal way to stop once enough frames
		// were read, so its exit status is not an error here.
		s.cancel()
		_ = s.stdout.Close()
		_ = s.cmd.Wait()
	})
	return nil
}

func rgbToImage(buf []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xFF
	}
	return img
}

// limitedBuffer keeps the first 64KiB written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const stderrLimit = 64 << 10

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := stderrLimit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
