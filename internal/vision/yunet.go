//go:build gocv
// +build gocv

package vision

import (
	"errors"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

type matImage struct {
	mat gocv.Mat
}

func (m *matImage) Width() int   { return m.mat.Cols() }
func (m *matImage) Height() int  { return m.mat.Rows() }
func (m *matImage) Close() error { return m.mat.Close() }

// YuNetEngine runs a pre-trained YuNet face detection model through OpenCV.
// The model is opaque to the rest of the service: pixels in, boxes out.
type YuNetEngine struct {
	detector gocv.FaceDetectorYN
}

// YuNetParams configures the detector. Thresholds and top-k follow the
// conventions of the YuNet ONNX release.
type YuNetParams struct {
	ModelPath      string
	InputWidth     int
	InputHeight    int
	ScoreThreshold float32
	NMSThreshold   float32
	TopK           int
}

// NewYuNetEngine loads the model from disk. The engine must be closed when
// the service shuts down.
func NewYuNetEngine(p YuNetParams) (*YuNetEngine, error) {
	if p.ModelPath == "" {
		return nil, errors.New("yunet: model path is required")
	}
	detector := gocv.NewFaceDetectorYNWithParams(
		p.ModelPath,
		"",
		image.Pt(p.InputWidth, p.InputHeight),
		p.ScoreThreshold,
		p.NMSThreshold,
		p.TopK,
		0,
		0,
	)
	return &YuNetEngine{detector: detector}, nil
}

func (e *YuNetEngine) Close() error {
	return e.detector.Close()
}

// Decode turns raw upload bytes into a BGR pixel buffer.
func (e *YuNetEngine) Decode(data []byte) (Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err == nil && !mat.Empty() {
		return &matImage{mat: mat}, nil
	}
	if !mat.Empty() {
		mat.Close()
	}
	return nil, ErrDecode
}

// Detect runs the model over the image and returns the detected faces in
// model order. A nil result means no faces were found.
func (e *YuNetEngine) Detect(img Image) ([]Face, error) {
	m, ok := img.(*matImage)
	if !ok {
		return nil, errors.New("yunet: image was not decoded by this engine")
	}

	// YuNet keeps a fixed input size; it has to be told the dimensions of
	// every image before detection.
	e.detector.SetInputSize(image.Pt(m.mat.Cols(), m.mat.Rows()))

	out := gocv.NewMat()
	defer out.Close()
	e.detector.Detect(m.mat, &out)

	if out.Empty() || out.Rows() == 0 {
		return nil, nil
	}

	// Each row is one detection: x, y, w, h in cols 0..3, five landmark
	// pairs in cols 4..13, score in col 14.
	faces := make([]Face, 0, out.Rows())
	for i := 0; i < out.Rows(); i++ {
		faces = append(faces, Face{
			X:          int(out.GetFloatAt(i, 0)),
			Y:          int(out.GetFloatAt(i, 1)),
			Width:      int(out.GetFloatAt(i, 2)),
			Height:     int(out.GetFloatAt(i, 3)),
			Confidence: out.GetFloatAt(i, 14),
		})
	}
	return faces, nil
}

// Annotate draws a green 2px rectangle around every face, mutating the image
// in place. Nothing is drawn when there are no faces.
func (e *YuNetEngine) Annotate(img Image, faces []Face) {
	if len(faces) == 0 {
		return
	}
	m, ok := img.(*matImage)
	if !ok {
		return
	}
	green := color.RGBA{G: 255, A: 255}
	for _, f := range faces {
		rect := image.Rect(f.X, f.Y, f.X+f.Width, f.Y+f.Height)
		gocv.Rectangle(&m.mat, rect, green, 2)
	}
}

// EncodeJPEG serializes the (possibly annotated) image for storage.
func (e *YuNetEngine) EncodeJPEG(img Image) ([]byte, error) {
	m, ok := img.(*matImage)
	if !ok {
		return nil, errors.New("yunet: image was not decoded by this engine")
	}
	buf, err := gocv.IMEncode(".jpg", m.mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}
