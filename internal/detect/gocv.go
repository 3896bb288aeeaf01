//go:build gocv

package detect

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/domain"
	"gocv.io/x/gocv"
)

const (
	yoloInputSize   = 640
	yoloClasses     = 80
	cocoPhoneClass  = 67
	phoneConfidence = 0.4

	// A lone face whose centre lies outside the middle band of the frame
	// counts as looking away.
	attentionBand = 0.30
)

// faceDetector finds faces with a Haar cascade.
type faceDetector struct {
	mu         sync.Mutex // CascadeClassifier is not safe for concurrent use
	classifier gocv.CascadeClassifier
}

func newFaceDetector(cascadePath string) (Detector, error) {
	if cascadePath == "" {
		return nil, fmt.Errorf("%w: no face cascade configured", ErrBackendUnavailable)
	}
	c := gocv.NewCascadeClassifier()
	if !c.Load(cascadePath) {
		_ = c.Close()
		return nil, fmt.Errorf("load face cascade %s", cascadePath)
	}
	return &faceDetector{classifier: c}, nil
}

func (d *faceDetector) Name() string { return "haar-face" }

func (d *faceDetector) Detect(ctx context.Context, f camera.Frame) ([]domain.Detection, error) {
	img, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("decode frame: empty image")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	d.mu.Lock()
	faces := d.classifier.DetectMultiScaleWithParams(gray, 1.2, 5, 0, image.Pt(60, 60), image.Pt(0, 0))
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(faces) == 0:
		return []domain.Detection{{
			Kind:       domain.KindFaceNotFound,
			Confidence: 1,
			Detail:     "No face detected",
		}}, nil
	case len(faces) > 1:
		return []domain.Detection{{
			Kind:       domain.KindMultipleFaces,
			Confidence: 1,
			BBox:       toBBox(faces[1]),
			Detail:     fmt.Sprintf("%d faces detected", len(faces)),
		}}, nil
	}

	face := faces[0]
	cx := float64(face.Min.X+face.Dx()/2) / float64(img.Cols())
	if cx < attentionBand || cx > 1-attentionBand {
		return []domain.Detection{{
			Kind:       domain.KindAttentionLoss,
			Confidence: 0.6,
			BBox:       toBBox(face),
			Detail:     "Face turned away from screen",
		}}, nil
	}
	return nil, nil
}

func (d *faceDetector) Close() error {
	return d.classifier.Close()
}

// phoneDetector runs a YOLOv8 ONNX model and reports COCO "cell phone".
type phoneDetector struct {
	mu  sync.Mutex
	net gocv.Net
}

func newPhoneDetector(modelPath string) (Detector, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("%w: no phone model configured", ErrBackendUnavailable)
	}
	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("load phone model %s", modelPath)
	}
	_ = net.SetPreferableBackend(gocv.NetBackendDefault)
	_ = net.SetPreferableTarget(gocv.NetTargetCPU)
	return &phoneDetector{net: net}, nil
}

func (d *phoneDetector) Name() string { return "yolo-phone" }

func (d *phoneDetector) Detect(ctx context.Context, f camera.Frame) ([]domain.Detection, error) {
	img, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("decode frame: empty image")
	}

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(yoloInputSize, yoloInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Output is [1, 4+classes, anchors]: rows cx, cy, w, h then class scores.
	sizes := out.Size()
	if len(sizes) != 3 || sizes[1] != 4+yoloClasses {
		return nil, fmt.Errorf("unexpected YOLO output shape %v", sizes)
	}
	anchors := sizes[2]
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read YOLO output: %w", err)
	}

	best, bestScore := -1, float32(phoneConfidence)
	row := (4 + cocoPhoneClass) * anchors
	for a := 0; a < anchors; a++ {
		if s := data[row+a]; s >= bestScore {
			best, bestScore = a, s
		}
	}
	if best < 0 {
		return nil, nil
	}

	sx := float64(img.Cols()) / yoloInputSize
	sy := float64(img.Rows()) / yoloInputSize
	cx, cy := float64(data[best]), float64(data[anchors+best])
	w, h := float64(data[2*anchors+best]), float64(data[3*anchors+best])
	return []domain.Detection{{
		Kind:       domain.KindPhoneDetected,
		Confidence: float64(bestScore),
		BBox: &domain.BBox{
			X:      int((cx - w/2) * sx),
			Y:      int((cy - h/2) * sy),
			Width:  int(w * sx),
			Height: int(h * sy),
		},
		Detail: "Phone-like object detected",
	}}, nil
}

func (d *phoneDetector) Close() error {
	return d.net.Close()
}

func toBBox(r image.Rectangle) *domain.BBox {
	return &domain.BBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}
