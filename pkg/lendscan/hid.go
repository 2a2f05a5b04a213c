package lendscan

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
)

const (
	sourceHID = "hid"

	// a wedge reader types a whole barcode in a burst; this much silence
	// ends a payload that didn't arrive with an Enter
	hidKeyTimeout = 10 * time.Millisecond
	hidRetryDelay = 5 * time.Second
)

var ErrHIDNotFound = errors.New("no matching input device")

// keySource yields the key names (e.g. "KEY_A") of key presses on an input
// device. Close makes a blocked NextKey return an error.
type keySource interface {
	NextKey() (string, error)
	Path() string
	Close() error
}

// HIDReader reads payloads from a keyboard-wedge barcode reader. The input
// device is grabbed so the typed barcodes don't reach other applications.
type HIDReader struct {
	station *Station
	logger  *zap.SugaredLogger

	name        string
	stopChannel chan struct{}
	wg          sync.WaitGroup
	running     bool

	// swapped out by tests
	openSource func(logger *zap.SugaredLogger, name string) (keySource, error)
	submit     func(source, payload, format string)
}

// NewHIDReader creates a HIDReader that takes the device to grab from the
// station's config
func NewHIDReader(station *Station, logger *zap.SugaredLogger) *HIDReader {
	logger = logger.Named("hid")

	h := &HIDReader{
		station:    station,
		logger:     logger,
		openSource: openInputDevice,
		submit:     station.Submit,
	}

	logger.Debug("Created HID reader instance")

	h.setupOnConfigReload()

	return h
}

// Start looks for the configured input device in the background
func (h *HIDReader) Start() {
	_, readers, _, _ := h.station.config.Snapshot()
	h.name = readers.HID.Name

	if h.name == "" {
		h.logger.Debug("HID reader disabled")
		return
	}

	h.stopChannel = make(chan struct{})
	h.running = true
	h.logger.Infow("HID reader starting", "name", h.name)

	h.wg.Add(1)
	go h.managerLoop()
}

// Stop releases the input device, if one is grabbed
func (h *HIDReader) Stop() {
	if !h.running {
		return
	}

	close(h.stopChannel)
	h.wg.Wait()
	h.running = false

	h.logger.Info("HID reader stopped")
}

func (h *HIDReader) setupOnConfigReload() {
	configReloadedChannel := h.station.config.SubscribeToChanges()

	go func() {
		for {
			select {
			case <-h.station.ctx.Done():
				return
			case <-configReloadedChannel:
			}

			_, readers, _, _ := h.station.config.Snapshot()
			if readers.HID.Name == h.name {
				continue
			}

			h.logger.Info("Detected change in HID device name, attempting to renew grab")
			h.Stop()
			h.Start()
		}
	}()
}

func (h *HIDReader) managerLoop() {
	defer h.wg.Done()

	for {
		source, err := h.openSource(h.logger, h.name)
		if err != nil {
			h.logger.Debugw("Failed to open input device, retrying", "name", h.name, "error", err)

			select {
			case <-h.stopChannel:
				h.logger.Debug("managerLoop: stop signal")
				return
			case <-time.After(hidRetryDelay):
				continue
			}
		}

		namedLogger := h.logger.With("device", source.Path())
		namedLogger.Info("Grabbed input device")

		localizer := h.station.Localizer()
		connectedTitle := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ReaderConnectedNotificationTitle",
				Other: "Connected to {{.ComPort}}.",
			},
			TemplateData: map[string]string{
				"ComPort": source.Path(),
			},
		})
		connectedDescription := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ReaderConnectedNotificationDescription",
				Other: "The barcode reader is ready.",
			},
		})
		h.station.notifier.Notify(connectedTitle, connectedDescription)

		err = h.readKeys(namedLogger, source)

		if closeErr := source.Close(); closeErr != nil {
			namedLogger.Debugw("Failed to release input device", "error", closeErr)
		}

		if err == nil {
			h.logger.Debug("managerLoop: stop signal")
			return
		}

		namedLogger.Warnw("Input device read error", "error", err)

		select {
		case <-h.stopChannel:
			return
		case <-time.After(hidRetryDelay):
		}
	}
}

// readKeys assembles key presses into payloads until the source fails or
// the reader is stopped, which returns nil
func (h *HIDReader) readKeys(logger *zap.SugaredLogger, source keySource) error {
	keys := make(chan string, 64)
	errs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			key, err := source.NextKey()
			if err != nil {
				select {
				case errs <- err:
				case <-done:
				}
				return
			}

			select {
			case keys <- key:
			case <-done:
				return
			}
		}
	}()

	var w wedge
	timeout := time.NewTimer(hidKeyTimeout)
	timeout.Stop()
	defer timeout.Stop()

	emit := func(payload string, ok bool) {
		if !ok {
			return
		}

		logger.Debugw("Barcode read", "payload", payload)
		h.submit(sourceHID, payload, "")
	}

	for {
		select {
		case <-h.stopChannel:
			return nil

		case err := <-errs:
			emit(w.flush())
			return err

		case key := <-keys:
			if payload, ok := w.press(key); ok {
				timeout.Stop()
				emit(payload, ok)
				continue
			}
			timeout.Reset(hidKeyTimeout)

		case <-timeout.C:
			emit(w.flush())
		}
	}
}

// wedge turns the key presses of a keyboard-wedge reader back into text,
// assuming the reader is programmed for a US layout
type wedge struct {
	buf   strings.Builder
	shift bool
}

var unshiftedKeys = map[string]string{
	"SPACE": " ", "MINUS": "-", "EQUAL": "=", "DOT": ".", "COMMA": ",",
	"SLASH": "/", "BACKSLASH": "\\", "SEMICOLON": ";", "APOSTROPHE": "'",
	"LEFTBRACE": "[", "RIGHTBRACE": "]", "GRAVE": "`", "TAB": "\t",
	"KPMINUS": "-", "KPPLUS": "+", "KPASTERISK": "*", "KPSLASH": "/", "KPDOT": ".",
}

var shiftedKeys = map[string]string{
	"1": "!", "2": "@", "3": "#", "4": "$", "5": "%", "6": "^", "7": "&",
	"8": "*", "9": "(", "0": ")", "MINUS": "_", "EQUAL": "+", "DOT": ">",
	"COMMA": "<", "SLASH": "?", "BACKSLASH": "|", "SEMICOLON": ":",
	"APOSTROPHE": "\"", "LEFTBRACE": "{", "RIGHTBRACE": "}", "GRAVE": "~",
}

// press handles one key press. It returns the buffered payload when the key
// ends it (Enter).
func (w *wedge) press(key string) (string, bool) {
	key = strings.TrimPrefix(key, "KEY_")

	switch key {
	case "LEFTSHIFT", "RIGHTSHIFT":
		w.shift = true
		return "", false
	case "ENTER", "KPENTER":
		return w.flush()
	}

	shift := w.shift
	w.shift = false

	if shift {
		if char, ok := shiftedKeys[key]; ok {
			w.buf.WriteString(char)
			return "", false
		}
	}

	switch {
	case len(key) == 1 && key[0] >= 'A' && key[0] <= 'Z':
		if shift {
			w.buf.WriteString(key)
		} else {
			w.buf.WriteString(strings.ToLower(key))
		}
	case len(key) == 1 && key[0] >= '0' && key[0] <= '9':
		w.buf.WriteString(key)
	case len(key) == 3 && strings.HasPrefix(key, "KP") && key[2] >= '0' && key[2] <= '9':
		w.buf.WriteByte(key[2])
	default:
		if char, ok := unshiftedKeys[key]; ok {
			w.buf.WriteString(char)
		}
		// anything else (modifiers, function keys) carries no text
	}

	return "", false
}

// flush returns and clears the buffered payload
func (w *wedge) flush() (string, bool) {
	w.shift = false

	payload := w.buf.String()
	w.buf.Reset()

	return payload, payload != ""
}
