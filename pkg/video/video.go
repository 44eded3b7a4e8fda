// Package video assembles the frames of a long-shot burst into an MJPEG AVI.
package video

import (
	"fmt"
	"os"

	"github.com/icza/mjpeg"
)

type Builder struct {
	width  int
	height int
	fps    int

	cnt int
	aw  mjpeg.AviWriter
}

func NewBuilder(path string, width, height, fps int) (*Builder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid clip size %dx%d", width, height)
	}
	if fps <= 0 {
		fps = 10
	}
	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, err
	}

	return &Builder{
		width:  width,
		height: height,
		fps:    fps,
		aw:     aw,
	}, nil
}

// Add appends one JPEG frame.
func (b *Builder) Add(frame []byte) error {
	err := b.aw.AddFrame(frame)
	if err != nil {
		return err
	}
	b.cnt++

	return nil
}

func (b *Builder) Close() error {
	return b.aw.Close()
}

func (b *Builder) Frames() int {
	return b.cnt
}

// FromFiles writes the JPEG files in order to a clip at path and returns the
// number of frames written. Unreadable files are skipped.
func FromFiles(path string, width, height, fps int, files []string) (int, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("no frames for clip")
	}
	b, err := NewBuilder(path, width, height, fps)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		frame, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if err := b.Add(frame); err != nil {
			b.Close()
			return b.Frames(), err
		}
	}
	if err := b.Close(); err != nil {
		return b.Frames(), err
	}

	return b.Frames(), nil
}
