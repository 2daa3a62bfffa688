//go:build !gocv
// +build !gocv

package vision

import "errors"

var errNoGoCV = errors.New("gocv build tag is not enabled")

// YuNetEngine is a stub for builds without OpenCV. Every operation fails.
type YuNetEngine struct{}

type YuNetParams struct {
	ModelPath      string
	InputWidth     int
	InputHeight    int
	ScoreThreshold float32
	NMSThreshold   float32
	TopK           int
}

func NewYuNetEngine(p YuNetParams) (*YuNetEngine, error) {
	return &YuNetEngine{}, nil
}

func (e *YuNetEngine) Close() error { return nil }

func (e *YuNetEngine) Decode(data []byte) (Image, error) {
	return nil, errNoGoCV
}

func (e *YuNetEngine) Detect(img Image) ([]Face, error) {
	return nil, errNoGoCV
}

func (e *YuNetEngine) Annotate(img Image, faces []Face) {}

func (e *YuNetEngine) EncodeJPEG(img Image) ([]byte, error) {
	return nil, errNoGoCV
}
