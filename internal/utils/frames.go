package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/draw"
)

const megabyte = 1024 * 1024

// FFmpegOptions selects the input and the decode rate.
type FFmpegOptions struct {
	Input       string // file path, device node or stream URL
	InputFormat string // e.g. "v4l2" for a webcam; empty lets ffmpeg probe
	FPS         int    // output rate; 0 keeps the source rate
	Realtime    bool   // read files at their native rate, like a camera
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, o FFmpegOptions) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if o.Realtime {
		args = append(args, "-re")
	}
	if o.InputFormat != "" {
		args = append(args, "-f", o.InputFormat)
	}
	args = append(args, "-i", o.Input)
	if o.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(o.FPS))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// FrameSource decodes an ffmpeg MJPEG stream into pooled RGBA frames.
type FrameSource struct {
	opts FFmpegOptions
	now  func() time.Time
	pool sync.Pool
}

func NewFrameSource(o FFmpegOptions) *FrameSource {
	return &FrameSource{opts: o, now: time.Now}
}

// Stream runs ffmpeg and calls emit for every decoded frame until the input ends,
// ctx is cancelled or emit returns false. emit owns the frame and must Release it.
// Frames that fail to decode are skipped.
func (s *FrameSource) Stream(ctx context.Context, emit func(*types.Frame) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ffmpeg := NewFFmpegCmd(ctx, s.opts)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	stopped := false
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	for scanner.Scan() {
		f, err := s.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		if !emit(f) {
			stopped = true
			break
		}
	}
	scanErr := scanner.Err()

	if stopped {
		cancel()
	}
	waitErr := ffmpeg.Wait()

	switch {
	case stopped || ctx.Err() != nil:
		return nil
	case scanErr != nil:
		return fmt.Errorf("frame scanner failed: %w", scanErr)
	case waitErr != nil:
		if stderrBuf.Len() > 0 {
			return fmt.Errorf("ffmpeg execution failed: %w\n%s", waitErr, stderrBuf.String())
		}
		return fmt.Errorf("ffmpeg execution failed: %w", waitErr)
	}
	return nil
}

var errEmptyFrame = errors.New("empty frame")

// Decode turns one JPEG into a frame backed by a pooled buffer.
func (s *FrameSource) Decode(data []byte) (*types.Frame, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, errEmptyFrame
	}

	dst := s.buffer(b.Dx(), b.Dy())
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return types.NewFrame(dst, s.now(), func() { s.pool.Put(dst) }), nil
}

// buffer reuses a pooled image when its size matches the stream.
func (s *FrameSource) buffer(w, h int) *image.RGBA {
	if v, ok := s.pool.Get().(*image.RGBA); ok {
		if v.Rect.Dx() == w && v.Rect.Dy() == h {
			return v
		}
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}
