//go:build linux

package v4l2

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

const (
	defaultDevDir = "/dev"
	defaultSysDir = "/sys/class/video4linux"

	// widest capture requested; decoders gain nothing from more pixels
	defaultMaxWidth = 1280

	bufferCount = 4

	// frames are polled rather than waited on, WaitForFrame only has 1s resolution
	framePollInterval = 10 * time.Millisecond
)

// Camera enumerates and opens V4L2 capture devices
type Camera struct {
	logger   *zap.SugaredLogger
	devDir   string
	sysDir   string
	maxWidth uint32
}

// NewCamera creates a V4L2 camera facility
func NewCamera(logger *zap.SugaredLogger) *Camera {
	return &Camera{
		logger:   logger.Named("v4l2"),
		devDir:   defaultDevDir,
		sysDir:   defaultSysDir,
		maxWidth: defaultMaxWidth,
	}
}

// Devices lists capture nodes. UVC cameras expose a second metadata node per
// camera; those have a non-zero sysfs index and are skipped.
func (c *Camera) Devices(ctx context.Context) ([]scanner.CameraDevice, error) {
	paths, err := filepath.Glob(filepath.Join(c.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("list video devices: %w", err)
	}

	type node struct {
		path  string
		base  string
		index int
	}

	var nodes []node
	for _, path := range paths {
		base := filepath.Base(path)
		num, err := strconv.Atoi(strings.TrimPrefix(base, "video"))
		if err != nil {
			continue
		}
		nodes = append(nodes, node{path: path, base: base, index: num})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })

	devices := make([]scanner.CameraDevice, 0, len(nodes))
	for _, n := range nodes {
		if idx := readFirstLine(filepath.Join(c.sysDir, n.base, "index")); idx != "" && idx != "0" {
			continue
		}

		devices = append(devices, scanner.CameraDevice{
			ID:    n.path,
			Label: readFirstLine(filepath.Join(c.sysDir, n.base, "name")),
		})
	}

	return devices, nil
}

func readFirstLine(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	line := string(raw)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}

	return strings.TrimSpace(line)
}

// Open starts streaming from the requested device. V4L2 has no notion of
// facing, so without a device id the rear-camera label heuristic decides.
func (c *Camera) Open(ctx context.Context, req scanner.OpenRequest) (scanner.Stream, error) {
	path := req.DeviceID
	if path == "" {
		devices, err := c.Devices(ctx)
		if err != nil {
			return nil, &scanner.CameraError{Cause: scanner.CauseNotFound, Err: err}
		}
		device, ok := scanner.GuessRearCamera(devices)
		if !ok {
			return nil, &scanner.CameraError{Cause: scanner.CauseNotFound}
		}
		path = device.ID
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, classifyOpenError(path, err)
	}

	format, width, height, err := c.configure(cam)
	if err != nil {
		cam.Close()
		return nil, &scanner.CameraError{Cause: scanner.CauseUnknown, DeviceID: path, Err: err}
	}

	if err := cam.SetBufferCount(bufferCount); err != nil {
		cam.Close()
		return nil, classifyOpenError(path, fmt.Errorf("set buffer count: %w", err))
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, classifyOpenError(path, fmt.Errorf("start streaming: %w", err))
	}

	s := &stream{
		logger: c.logger.With("device", path),
		id:     path,
		cam:    cam,
		format: format,
		width:  width,
		height: height,
	}

	if id, on, off, ok := findTorchControl(cam.GetControls()); ok {
		s.torch = &torchControl{stream: s, id: id, on: on, off: off}
	}

	c.logger.Debugw("Opened camera",
		"device", path,
		"format", fourCC(format),
		"width", width,
		"height", height,
		"torch", s.torch != nil)

	return s, nil
}

func (c *Camera) configure(cam *webcam.Webcam) (uint32, int, int, error) {
	supported := cam.GetSupportedFormats()

	for _, preferred := range preferredFormats {
		format := webcam.PixelFormat(preferred)
		if _, ok := supported[format]; !ok {
			continue
		}

		width, height := pickFrameSize(cam.GetSupportedFrameSizes(format), c.maxWidth)

		got, gotWidth, gotHeight, err := cam.SetImageFormat(format, width, height)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("set image format %s %dx%d: %w", fourCC(preferred), width, height, err)
		}

		return uint32(got), int(gotWidth), int(gotHeight), nil
	}

	return 0, 0, 0, fmt.Errorf("no usable pixel format among %v", funk.Values(supported))
}

// pickFrameSize returns the widest size not exceeding maxWidth, or the
// narrowest available when every size is wider
func pickFrameSize(sizes []webcam.FrameSize, maxWidth uint32) (uint32, uint32) {
	var bestW, bestH uint32
	var smallestW, smallestH uint32

	for _, size := range sizes {
		w, h := size.MaxWidth, size.MaxHeight

		if w > maxWidth && size.StepWidth > 0 && size.MinWidth <= maxWidth {
			// stepwise range: largest aligned width inside the limit, same aspect
			w = size.MinWidth + (maxWidth-size.MinWidth)/size.StepWidth*size.StepWidth
			h = w * size.MaxHeight / size.MaxWidth
			if size.StepHeight > 0 && h > size.MinHeight {
				h = size.MinHeight + (h-size.MinHeight)/size.StepHeight*size.StepHeight
			}
		}

		if w <= maxWidth && w > bestW {
			bestW, bestH = w, h
		}
		if smallestW == 0 || size.MinWidth < smallestW {
			smallestW, smallestH = size.MinWidth, size.MinHeight
		}
	}

	switch {
	case bestW > 0:
		return bestW, bestH
	case smallestW > 0:
		return smallestW, smallestH
	default:
		return 640, 480
	}
}

func classifyOpenError(deviceID string, err error) error {
	cause := scanner.CauseUnknown

	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		cause = scanner.CauseDenied
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		cause = scanner.CauseNotFound
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EIO):
		cause = scanner.CauseBusy
	}

	return &scanner.CameraError{Cause: cause, DeviceID: deviceID, Err: err}
}

type stream struct {
	logger *zap.SugaredLogger
	id     string
	format uint32
	width  int
	height int
	torch  *torchControl

	// guards cam; the driver handle isn't safe for concurrent ioctls
	mu     sync.Mutex
	cam    *webcam.Webcam
	closed bool
}

func (s *stream) DeviceID() string {
	return s.id
}

func (s *stream) Torch() scanner.TorchControl {
	if s.torch == nil {
		return nil
	}

	return s.torch
}

func (s *stream) NextFrame(ctx context.Context) (image.Image, error) {
	for {
		img, ready, err := s.tryFrame()
		if ready || err != nil {
			return img, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(framePollInterval):
		}
	}
}

func (s *stream) tryFrame() (image.Image, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, scanner.ErrStreamClosed
	}

	err := s.cam.WaitForFrame(0)
	var timeout *webcam.Timeout
	if errors.As(err, &timeout) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("wait for frame: %w", err)
	}

	data, index, err := s.cam.GetFrame()
	if errors.Is(err, unix.EAGAIN) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dequeue frame: %w", err)
	}

	img, err := decodeFrame(s.format, s.width, s.height, data)
	if releaseErr := s.cam.ReleaseFrame(index); releaseErr != nil {
		s.logger.Debugw("Failed to requeue frame buffer", "error", releaseErr)
	}

	return img, true, err
}

// Close stops streaming and closes the device; it's safe to call repeatedly
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.cam.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.id, err)
	}

	return nil
}

// V4L2 flash class controls
const (
	cidFlashLEDMode   webcam.ControlID = 0x009c0901
	flashLEDModeNone  int32            = 0
	flashLEDModeTorch int32            = 2
)

var torchControlPattern = regexp.MustCompile(`(?i)torch|flash|led`)

// findTorchControl prefers the standard flash LED mode control and falls
// back to vendor controls (e.g. "LED1 Mode") whose name suggests a light
func findTorchControl(controls map[webcam.ControlID]webcam.Control) (webcam.ControlID, int32, int32, bool) {
	if _, ok := controls[cidFlashLEDMode]; ok {
		return cidFlashLEDMode, flashLEDModeTorch, flashLEDModeNone, true
	}

	ids := make([]webcam.ControlID, 0, len(controls))
	for id := range controls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		control := controls[id]
		if !torchControlPattern.MatchString(control.Name) || control.Max <= control.Min {
			continue
		}

		on := control.Max
		if control.Min <= 1 && 1 <= control.Max {
			on = 1
		}

		return id, on, control.Min, true
	}

	return 0, 0, 0, false
}

type torchControl struct {
	stream *stream
	id     webcam.ControlID
	on     int32
	off    int32
}

func (t *torchControl) SetTorch(on bool) error {
	t.stream.mu.Lock()
	defer t.stream.mu.Unlock()

	if t.stream.closed {
		return scanner.ErrStreamClosed
	}

	value := t.off
	if on {
		value = t.on
	}

	if err := t.stream.cam.SetControl(t.id, value); err != nil {
		return fmt.Errorf("set torch control %#x: %w", uint32(t.id), err)
	}

	return nil
}
