// Package zxing is the software decoding backend, built on the gozxing port
// of ZXing. It handles QR codes, the retail 1D symbologies and Data Matrix.
package zxing

import (
	"context"
	"image"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

// Name identifies the backend in configuration and snapshots
const Name = "zxing"

type readerSpec struct {
	formats []string
	create  func(hints map[gozxing.DecodeHintType]interface{}) gozxing.Reader
}

// readers in the order they're tried on a frame
var readerSpecs = []readerSpec{
	{[]string{"qr_code"}, func(map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return qrcode.NewQRCodeReader()
	}},
	{[]string{"ean_13", "ean_8", "upc_a", "upc_e"}, func(hints map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return oned.NewMultiFormatUPCEANReader(hints)
	}},
	{[]string{"code_128"}, func(map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return oned.NewCode128Reader()
	}},
	{[]string{"code_39"}, func(map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return oned.NewCode39Reader()
	}},
	{[]string{"code_93"}, func(map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return oned.NewCode93Reader()
	}},
	{[]string{"itf"}, func(map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return oned.NewITFReader()
	}},
	{[]string{"codabar"}, func(map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return oned.NewCodaBarReader()
	}},
	{[]string{"data_matrix"}, func(map[gozxing.DecodeHintType]interface{}) gozxing.Reader {
		return datamatrix.NewDataMatrixReader()
	}},
}

// Backend decodes frames in software. It's always available.
type Backend struct {
	logger  *zap.SugaredLogger
	formats []string
}

// New creates the backend. A non-empty formats list (lowercase symbology
// names such as "ean_13") skips readers that can't produce any of them.
func New(logger *zap.SugaredLogger, formats []string) *Backend {
	normalized := make([]string, 0, len(formats))
	for _, format := range formats {
		normalized = append(normalized, strings.ToLower(format))
	}

	return &Backend{
		logger:  logger.Named("zxing"),
		formats: normalized,
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Available() bool {
	return true
}

// StartDecoding runs a frame loop with its own set of readers; gozxing
// readers keep per-decode state and must not be shared between loops
func (b *Backend) StartDecoding(ctx context.Context, src scanner.FrameSource, onRaw func(payload, format string)) (scanner.DecodeHandle, error) {
	decoder := b.newDecoder()
	b.logger.Debugw("Starting decode loop", "readers", len(decoder.readers))

	return scanner.StartFrameLoop(ctx, src, decoder.decode, onRaw), nil
}

type decoder struct {
	readers []gozxing.Reader
	hints   map[gozxing.DecodeHintType]interface{}
}

func (b *Backend) newDecoder() *decoder {
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}

	d := &decoder{hints: hints}
	for _, spec := range readerSpecs {
		if len(b.formats) > 0 && len(funk.IntersectString(spec.formats, b.formats)) == 0 {
			continue
		}
		d.readers = append(d.readers, spec.create(hints))
	}

	return d
}

// Decode returns the first payload any reader finds in img
func (b *Backend) Decode(img image.Image) (string, string, bool) {
	return b.newDecoder().decode(img)
}

func (d *decoder) decode(img image.Image) (string, string, bool) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", "", false
	}

	for _, reader := range d.readers {
		result, err := reader.Decode(bmp, d.hints)
		reader.Reset()
		if err != nil || result == nil {
			continue
		}

		return result.GetText(), formatName(result.GetBarcodeFormat()), true
	}

	return "", "", false
}

// formatName maps gozxing's QR_CODE style names to qr_code
func formatName(format gozxing.BarcodeFormat) string {
	return strings.ToLower(format.String())
}
