// Package frames produces encoded frames for the recognition pipeline from
// video streams and image directories.
package frames

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

const megabyte = 1024 * 1024

// MaxFrameSize bounds a single MJPEG frame read from a stream.
const MaxFrameSize = 64 * megabyte

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Frame is one encoded image and its position in the source.
type Frame struct {
	Index int    // 1-based position in the source, counting skipped frames
	Name  string // file name for directory sources, empty for streams
	Data  []byte
}

// Source yields frames until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// SplitJPEG is a bufio.SplitFunc that extracts complete JPEG images by their
// start (FFD8) and end (FFD9) markers, discarding bytes between images.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// StreamSource splits an MJPEG byte stream into frames.
type StreamSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	index   int
}

// NewStreamSource reads concatenated JPEG images from r. If r is an io.Closer
// it is closed by Close.
func NewStreamSource(r io.Reader) *StreamSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), MaxFrameSize)
	scanner.Split(SplitJPEG)
	s := &StreamSource{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *StreamSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return Frame{}, fmt.Errorf("split frames: %w", err)
		}
		return Frame{}, io.EOF
	}
	s.index++
	// the scanner reuses its buffer on the next Scan
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())
	return Frame{Index: s.index, Data: data}, nil
}

func (s *StreamSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// FFmpegSource decodes a video file or device with ffmpeg into MJPEG frames.
type FFmpegSource struct {
	*StreamSource
	cmd    *exec.Cmd
	stderr bytes.Buffer
	eof    bool
}

// FFmpegArgs returns the ffmpeg arguments that write input as MJPEG to stdout.
// fps limits the output frame rate when positive.
func FFmpegArgs(input string, fps float64) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", input}
	if fps > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=%g", fps))
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// NewFFmpegSource starts ffmpeg on input. Cancelling ctx kills the process.
func NewFFmpegSource(ctx context.Context, input string, fps float64) (*FFmpegSource, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", FFmpegArgs(input, fps)...)
	src := &FFmpegSource{cmd: cmd}
	cmd.Stderr = &src.stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	src.StreamSource = NewStreamSource(out)
	return src, nil
}

func (s *FFmpegSource) Next(ctx context.Context) (Frame, error) {
	f, err := s.StreamSource.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.eof = true
	}
	return f, err
}

// Close waits for ffmpeg to exit and reports its stderr on failure. A source
// closed before the end of the stream kills ffmpeg and reports no error.
func (s *FFmpegSource) Close() error {
	if !s.eof {
		_ = s.StreamSource.Close()
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		return nil
	}
	if err := s.cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp", ".gif"}

// IsImageFile reports whether path has an extension the pipeline can decode.
func IsImageFile(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}

// DirSource reads image files of a directory in lexical order.
type DirSource struct {
	files []string
	pos   int
}

// NewDirSource lists the image files directly inside dir.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)
	return &DirSource{files: files}, nil
}

// Len returns the number of frames the directory holds.
func (s *DirSource) Len() int { return len(s.files) }

func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.files) {
		return Frame{}, io.EOF
	}
	path := s.files[s.pos]
	s.pos++
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("read frame %s: %w", path, err)
	}
	return Frame{Index: s.pos, Name: filepath.Base(path), Data: data}, nil
}

func (s *DirSource) Close() error { return nil }

// Open picks a DirSource for directories and an FFmpegSource for anything
// else (files, devices, URLs).
func Open(ctx context.Context, input string, fps float64) (Source, error) {
	if input == "" {
		return nil, errors.New("no input given")
	}
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		return NewDirSource(input)
	}
	return NewFFmpegSource(ctx, input, fps)
}
