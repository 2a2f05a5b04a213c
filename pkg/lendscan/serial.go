package lendscan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

type VIDPID struct {
	VID uint64
	// zero matches any product of the vendor
	PID uint64
}

// SerialReader reads payloads from an RS-232 or USB CDC barcode reader and
// hands them to the scanner
type SerialReader struct {
	comPort    string
	baudRate   int
	configured SerialConfig

	station *Station
	logger  *zap.SugaredLogger

	stopChannel chan struct{}
	errChannel  chan error
	wg          sync.WaitGroup
	stopping    atomic.Bool
	running     bool
	port        serial.Port
	mode        serial.Mode

	// swapped out by tests
	openPort  func(name string, mode *serial.Mode) (serial.Port, error)
	listPorts func() ([]*enumerator.PortDetails, error)
	submit    func(source, payload, format string)
}

const (
	sourceSerial = "serial"

	serialPortOff  = "off"
	serialPortAuto = "auto"

	serialRetryDelay  = 2 * time.Second
	serialReadTimeout = 100 * time.Millisecond

	// a QR code v40 holds about 7KB of numeric data
	maxLineLength = 8192
)

var ErrNoSerialPorts = errors.New("no serial ports found")
var ErrAutoPortNotFound = errors.New("can't autodetect com port")

// USB vendors of handheld readers that enumerate as CDC serial devices
var allowedVIDPIDs = []VIDPID{
	{0x0C2E, 0}, // Honeywell (Metrologic)
	{0x05E0, 0}, // Zebra (Symbol)
	{0x05F9, 0}, // Datalogic
	{0x1EAB, 0}, // Newland
	{0x1A86, 0x7523},
}

// NewSerialReader creates a SerialReader that takes its connection info
// from the station's config
func NewSerialReader(station *Station, logger *zap.SugaredLogger) *SerialReader {
	logger = logger.Named("serial")

	sr := &SerialReader{
		station:    station,
		logger:     logger,
		errChannel: make(chan error, 1),
		openPort:   serial.Open,
		listPorts:  enumerator.GetDetailedPortsList,
		submit:     station.Submit,
	}

	logger.Debug("Created serial reader instance")

	// respond to config changes
	sr.setupOnConfigReload()

	return sr
}

func (sr *SerialReader) connect() error {
	// don't allow multiple concurrent connections
	if sr.port != nil {
		sr.logger.Warn("Already connected, can't start another without closing first")
		return errors.New("serial: connection already active")
	}

	if sr.comPort == serialPortAuto {
		sr.logger.Infow("Trying to autodetect serial port")

		ports, err := sr.listPorts()

		if err != nil {
			sr.logger.Errorw("Failed to enumerate serial ports, retrying", "err", err)
			return ErrNoSerialPorts
		}
		if len(ports) == 0 {
			sr.logger.Debug("No serial ports found, retrying")
			return ErrNoSerialPorts
		}

		name, ok := findReaderPort(sr.logger, ports)
		if !ok {
			sr.logger.Debug("No barcode reader among serial ports, retrying")
			return ErrAutoPortNotFound
		}

		sr.comPort = name
	}

	sr.mode = serial.Mode{
		BaudRate: sr.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	sr.logger.Debugw("Attempting serial connection",
		"comPort", sr.comPort,
		"baudRate", sr.mode.BaudRate)

	port, err := sr.openPort(sr.comPort, &sr.mode)

	if err != nil {
		sr.logger.Warnw("Failed to open serial connection", "error", err)
		return fmt.Errorf("open serial port %s: %w", sr.comPort, err)
	}

	// short timeout so the read loop notices stop requests
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}

	sr.port = port

	return nil
}

// findReaderPort returns the first USB port whose vendor/product is a known
// barcode reader
func findReaderPort(logger *zap.SugaredLogger, ports []*enumerator.PortDetails) (string, bool) {
	for _, port := range ports {
		logger.Debugf("Found port: %s", port.Name)
		if !port.IsUSB {
			continue
		}

		logger.Debugf("   USB ID     %s:%s", port.VID, port.PID)

		vid, _ := strconv.ParseUint(port.VID, 16, 16)
		pid, _ := strconv.ParseUint(port.PID, 16, 16)

		for _, vidpid := range allowedVIDPIDs {
			if vid == vidpid.VID && (vidpid.PID == 0 || pid == vidpid.PID) {
				logger.Infow("Found barcode reader", "com", port.Name, "vid", port.VID, "pid", port.PID, "product", port.Product)
				return port.Name, true
			}
		}
	}

	return "", false
}

// Start connects to the configured reader in the background. It does
// nothing when the serial reader is turned off.
func (sr *SerialReader) Start() {
	_, readers, _, _ := sr.station.config.Snapshot()
	sr.configured = readers.Serial

	if sr.configured.Port == serialPortOff || sr.configured.Port == "" {
		sr.logger.Debug("Serial reader disabled")
		return
	}

	sr.stopping.Store(false)
	sr.stopChannel = make(chan struct{})
	sr.errChannel = make(chan error, 1)
	sr.running = true
	sr.logger.Info("Serial starting")
	sr.wg.Add(1)
	go sr.managerLoop()
}

// Stop signals us to shut down our serial connection, if one is active
func (sr *SerialReader) Stop() {
	if !sr.running {
		return
	}

	sr.stopping.Store(true)
	close(sr.stopChannel)

	// Wait for all goroutines to finish
	sr.wg.Wait()
	// Close the port after all loops have stopped
	sr.closePort()
	sr.running = false
	sr.logger.Info("Serial stopped")
}

// setupOnConfigReload restarts the reader when its connection params change
func (sr *SerialReader) setupOnConfigReload() {
	configReloadedChannel := sr.station.config.SubscribeToChanges()

	go func() {
		for {
			select {
			case <-sr.station.ctx.Done():
				return
			case <-configReloadedChannel:
			}

			_, readers, _, _ := sr.station.config.Snapshot()
			if readers.Serial == sr.configured {
				continue
			}

			sr.logger.Info("Detected change in connection parameters, attempting to renew connection")
			sr.Stop()

			// let the connection close
			time.Sleep(serialRetryDelay)

			sr.Start()
		}
	}()
}

// manages serial connection and retries
//
//go:generate goi18n extract -sourceLanguage en
func (sr *SerialReader) managerLoop() {
	defer sr.wg.Done()

	for {
		if sr.stopping.Load() {
			sr.logger.Debug("managerLoop: stop var")
			return
		}

		sr.comPort = sr.configured.Port
		sr.baudRate = sr.configured.BaudRate

		sr.logger.Infof("Trying serial connection %s (baud %d)", sr.comPort, sr.baudRate)
		err := sr.connect()
		if err != nil {
			sr.logger.Debugw("Serial connection error. Trying again... ", "err", err)

			select {
			case <-sr.stopChannel:
				sr.logger.Debug("managerLoop: stop signal")
				return
			case <-time.After(serialRetryDelay):
			}
			continue
		}

		namedLogger := sr.logger.Named(strings.ToLower(sr.comPort))
		namedLogger.Infow("Connected", "port", sr.comPort)

		localizer := sr.station.Localizer()
		connectedTitle := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ReaderConnectedNotificationTitle",
				Other: "Connected to {{.ComPort}}.",
			},
			TemplateData: map[string]string{
				"ComPort": sr.comPort,
			},
		})
		connectedDescription := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ReaderConnectedNotificationDescription",
				Other: "The barcode reader is ready.",
			},
		})
		sr.station.notifier.Notify(connectedTitle, connectedDescription)

		sr.wg.Add(1)
		go sr.readLoop(namedLogger)

		select {
		case err := <-sr.errChannel:
			sr.logger.Warnw("Read error", "err", err)

			localizer := sr.station.Localizer()
			disconnectedTitle := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ReaderDisconnectedNotificationTitle",
					Other: "Disconnected from {{.ComPort}} due to an error.",
				},
				TemplateData: map[string]string{
					"ComPort": sr.comPort,
				},
			})
			disconnectedDescription := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ReaderDisconnectedNotificationDescription",
					Other: "Trying to reconnect.",
				},
			})
			sr.station.notifier.Notify(disconnectedTitle, disconnectedDescription)

			sr.closePort()

			select {
			case <-sr.stopChannel:
				sr.logger.Debug("managerLoop: stop signal")
				return
			case <-time.After(serialRetryDelay):
			}
			continue

		case <-sr.stopChannel:
			sr.logger.Debug("managerLoop: stop signal")
			sr.stopping.Store(true)
			return
		}
	}
}

func (sr *SerialReader) readLoop(logger *zap.SugaredLogger) {
	defer sr.wg.Done()

	buf := make([]byte, 1024)
	lines := &lineSplitter{}

	for {
		select {
		case <-sr.stopChannel:
			logger.Debug("readLoop: stop signal")
			return
		default:
		}

		// a read that times out returns 0, nil
		n, err := sr.port.Read(buf)

		lines.feed(buf[:n], func(line string) {
			if sr.station.Verbose() {
				logger.Debugw("Read new line", "line", line)
			}

			sr.handleLine(logger, line)
		}, func() {
			logger.Warnw("Line too long, discarding data until next delimiter", "limit", maxLineLength)
		})

		if err != nil {
			sr.errChannel <- fmt.Errorf("read error: %w", err)
			return
		}
	}
}

func (sr *SerialReader) closePort() {
	if sr.port == nil {
		return
	}

	if err := sr.port.Close(); err != nil {
		sr.logger.Warnw("Failed to close serial connection", "error", err)
	} else {
		sr.logger.Debug("Serial connection closed")
	}

	sr.port = nil
}

func (sr *SerialReader) handleLine(logger *zap.SugaredLogger, line string) {
	payload := parseLine(line)
	if payload == "" {
		return
	}

	logger.Debugw("Barcode read", "payload", payload)
	sr.submit(sourceSerial, payload, "")
}

// parseLine strips the STX/ETX framing some POS-configured readers add
func parseLine(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "\x02")
	line = strings.TrimSuffix(line, "\x03")

	return strings.TrimSpace(line)
}

// lineSplitter turns a byte stream into lines. Readers terminate with CR, LF
// or CRLF depending on their programming, so either delimiter ends a line and
// empty lines are dropped.
type lineSplitter struct {
	buf        []byte
	overflowed bool
}

func (l *lineSplitter) feed(data []byte, onLine func(string), onOverflow func()) {
	for _, b := range data {
		if b == '\n' || b == '\r' {
			if l.overflowed {
				l.overflowed = false
				l.buf = l.buf[:0]
				continue
			}

			if len(l.buf) > 0 {
				line := string(l.buf)
				l.buf = l.buf[:0]
				onLine(line)
			}
			continue
		}

		if l.overflowed {
			continue
		}

		if len(l.buf) >= maxLineLength {
			l.buf = l.buf[:0]
			l.overflowed = true
			onOverflow()
			continue
		}

		l.buf = append(l.buf, b)
	}
}
