package utils

import (
	"bufio"
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpegBackToBack(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xCC, 0xFF, 0xD9}
	scanner := bufio.NewScanner(bytes.NewReader(append(append([]byte{}, a...), b...)))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if len(got) != 2 || !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Expected two frames, got %X", got)
	}
}

func TestParseFrameCount(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		packets bool
		want    int
	}{
		{"metadata", `{"streams":[{"nb_frames":"240"}]}`, false, 240},
		{"packets", `{"streams":[{"nb_read_packets":"17"}]}`, true, 17},
		{"not available", `{"streams":[{"nb_frames":"N/A"}]}`, false, 0},
		{"no streams", `{"streams":[]}`, false, 0},
		{"garbage", `not json`, false, 0},
	}
	for _, tt := range tests {
		if got := parseFrameCount([]byte(tt.out), tt.packets); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestFrameSourceDecode(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}

	src := NewFrameSource(FFmpegOptions{Input: "unused"})
	f, err := src.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Image.Bounds().Dx() != 32 || f.Image.Bounds().Dy() != 24 {
		t.Fatalf("Unexpected size %v", f.Image.Bounds())
	}
	c := f.Image.RGBAAt(16, 12)
	if c.R < 180 || c.G > 70 || c.B > 70 || c.A != 255 {
		t.Errorf("Unexpected pixel after decode: %+v", c)
	}
	if f.Timestamp.IsZero() {
		t.Error("Expected a timestamp")
	}
	f.Release()
	f.Release() // idempotent

	if _, err := src.Decode([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}); err == nil {
		t.Error("Expected an error for a corrupt JPEG")
	}
}

func TestNewFFmpegCmd(t *testing.T) {
	cmd := NewFFmpegCmd(t.Context(), FFmpegOptions{Input: "/dev/video0", InputFormat: "v4l2", FPS: 10, Realtime: true})
	want := []string{"ffmpeg", "-hide_banner", "-loglevel", "error", "-re", "-f", "v4l2", "-i", "/dev/video0",
		"-r", "10", "-f", "image2pipe", "-vcodec", "mjpeg", "-"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("Expected args %v, got %v", want, cmd.Args)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Errorf("arg %d: expected %q, got %q", i, want[i], cmd.Args[i])
		}
	}
}
