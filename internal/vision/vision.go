package vision

import "errors"

// Face is one detected face: a pixel-space bounding box plus the model's
// confidence score. Coordinates are relative to the image the detector saw.
type Face struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float32 `json:"confidence"`
}

// Image is a decoded pixel buffer. The caller that decoded it owns it and
// must Close it to release the underlying native storage.
type Image interface {
	Width() int
	Height() int
	Close() error
}

// Engine bundles the image operations the pipeline needs. Detect returns a
// nil slice when the model finds nothing; that is ordinary absence, not an
// error. Annotate must treat nil and empty face lists identically.
type Engine interface {
	Decode(data []byte) (Image, error)
	Detect(img Image) ([]Face, error)
	Annotate(img Image, faces []Face)
	EncodeJPEG(img Image) ([]byte, error)
}

// ErrDecode reports bytes that could not be decoded into an image.
var ErrDecode = errors.New("failed to decode image")
