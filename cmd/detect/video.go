package main

import (
	"fmt"
	"strconv"

	"gocv.io/x/gocv"
)

// VideoSource yields frames from a camera, file or stream.
type VideoSource interface {
	Initialize(source string) error
	// ReadFrame fills frame and reports whether more frames follow.
	ReadFrame(frame *gocv.Mat) bool
	Release() error
}

type captureSource struct {
	capture *gocv.VideoCapture
}

func newVideoSource() VideoSource {
	return &captureSource{}
}

// Initialize opens source, which may be a device index, a file or a URL.
func (s *captureSource) Initialize(source string) error {
	var device interface{} = source
	if id, err := strconv.Atoi(source); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("open video source %s: %w", source, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("video source %s is not readable", source)
	}
	s.capture = capture
	return nil
}

func (s *captureSource) ReadFrame(frame *gocv.Mat) bool {
	if s.capture == nil {
		return false
	}
	if ok := s.capture.Read(frame); !ok {
		return false
	}
	return !frame.Empty()
}

func (s *captureSource) Release() error {
	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	s.capture = nil
	return err
}
