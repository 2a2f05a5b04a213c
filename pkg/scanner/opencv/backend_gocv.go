//go:build opencv

package opencv

import (
	"context"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

// Backend detects and decodes QR codes with OpenCV
type Backend struct {
	logger *zap.SugaredLogger
}

// New creates the OpenCV backend
func New(logger *zap.SugaredLogger) *Backend {
	return &Backend{logger: logger.Named("opencv")}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Available() bool {
	return true
}

func (b *Backend) StartDecoding(ctx context.Context, src scanner.FrameSource, onRaw func(payload, format string)) (scanner.DecodeHandle, error) {
	detector := gocv.NewQRCodeDetector()
	points := gocv.NewMat()
	straight := gocv.NewMat()

	decode := func(img image.Image) (string, string, bool) {
		mat, err := toMat(img)
		if err != nil {
			return "", "", false
		}
		defer mat.Close()

		payload := detector.DetectAndDecode(mat, &points, &straight)
		if payload == "" {
			return "", "", false
		}

		return payload, formatQRCode, true
	}

	b.logger.Debug("Starting decode loop")

	return &handle{
		loop: scanner.StartFrameLoop(ctx, src, decode, onRaw),
		release: func() {
			straight.Close()
			points.Close()
			detector.Close()
		},
	}, nil
}

func toMat(img image.Image) (gocv.Mat, error) {
	if gray, ok := img.(*image.Gray); ok {
		return gocv.ImageGrayToMatGray(gray)
	}

	return gocv.ImageToMatRGB(img)
}

// handle frees the detector once its loop can no longer touch it
type handle struct {
	loop    scanner.DecodeHandle
	release func()
	once    sync.Once
}

func (h *handle) Stop() {
	h.loop.Stop()
	h.once.Do(h.release)
}
