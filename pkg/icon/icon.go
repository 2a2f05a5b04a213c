// Package icon renders lendscan's tray and notification icons
package icon

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

const size = 32

// bar widths of the logo, left to right; zero entries are gaps
var bars = []int{2, 1, 1, 3, 1, 2, 1, 1, 2, 3, 1, 1, 2, 1}

var (
	logoOnce sync.Once
	logo     []byte

	activeOnce sync.Once
	active     []byte
)

// Logo is the idle icon: a black barcode on a transparent background
func Logo() []byte {
	logoOnce.Do(func() {
		logo = render(color.NRGBA{A: 0xff}, false)
	})

	return logo
}

// Active is shown while the camera is scanning
func Active() []byte {
	activeOnce.Do(func() {
		active = render(color.NRGBA{R: 0x1b, G: 0x8a, B: 0x3a, A: 0xff}, true)
	})

	return active
}

func render(ink color.NRGBA, beam bool) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))

	x := 3
	for i, width := range bars {
		if i%2 == 0 {
			for dx := 0; dx < width; dx++ {
				for y := 6; y < size-6; y++ {
					img.SetNRGBA(x+dx, y, ink)
				}
			}
		}
		x += width
	}

	if beam {
		red := color.NRGBA{R: 0xe0, G: 0x20, B: 0x20, A: 0xff}
		for x := 1; x < size-1; x++ {
			img.SetNRGBA(x, size/2, red)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		// encoding an in-memory NRGBA image can't fail
		panic(err)
	}

	return buf.Bytes()
}
