package v4l2

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// V4L2 fourcc pixel formats the camera adapter can turn into images
const (
	pixFmtYUYV  uint32 = 0x56595559 // 'YUYV'
	pixFmtMJPEG uint32 = 0x47504A4D // 'MJPG'
)

// preferred capture formats, best first. YUYV carries luma as-is, which is
// all the decoders need; MJPEG is the fallback for cameras that only offer it.
var preferredFormats = []uint32{pixFmtYUYV, pixFmtMJPEG}

func fourCC(format uint32) string {
	return string([]byte{byte(format), byte(format >> 8), byte(format >> 16), byte(format >> 24)})
}

// decodeFrame converts a raw driver buffer into an image. data is only read,
// so it may alias a driver buffer that is re-queued afterwards.
func decodeFrame(format uint32, width, height int, data []byte) (image.Image, error) {
	switch format {
	case pixFmtYUYV:
		return yuyvToGray(data, width, height)
	case pixFmtMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", fourCC(format))
	}
}

// yuyvToGray keeps the Y samples of a packed YUYV 4:2:2 frame
func yuyvToGray(data []byte, width, height int) (*image.Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if len(data) < width*height*2 {
		return nil, fmt.Errorf("short yuyv frame: %d bytes for %dx%d", len(data), width, height)
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	for i := range gray.Pix {
		gray.Pix[i] = data[2*i]
	}

	return gray, nil
}
