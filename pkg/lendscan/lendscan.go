// Package lendscan is the scanning station of the tool crib: it runs the
// camera scanner alongside hardware barcode readers and exposes them through
// a tray icon and a local HTTP control surface.
package lendscan

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/jeandeaual/go-locale"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/toolcrib/lendscan/pkg/icon"
	"github.com/toolcrib/lendscan/pkg/lendscan/util"
	"github.com/toolcrib/lendscan/pkg/notify"
	"github.com/toolcrib/lendscan/pkg/scanner"
	"github.com/toolcrib/lendscan/pkg/scanner/audio"
	"github.com/toolcrib/lendscan/pkg/scanner/opencv"
	"github.com/toolcrib/lendscan/pkg/scanner/v4l2"
	"github.com/toolcrib/lendscan/pkg/scanner/zxing"
)

const (

	// when this is set to anything, lendscan won't use a tray icon
	envNoTray = "LENDSCAN_NO_TRAY_ICON"
)

// Station is the main entity managing access to all sub-components
type Station struct {
	logger   *zap.SugaredLogger
	notifier notify.Notifier
	config   *CanonicalConfig
	camera   scanner.Camera
	scanner  *scanner.Scanner
	serial   *SerialReader
	hid      *HIDReader
	server   *Server
	history  *History
	bundle   *i18n.Bundle

	localizerLock sync.RWMutex
	localizer     *i18n.Localizer

	ctx    context.Context
	cancel context.CancelFunc

	stopChannel chan bool
	version     string
	verbose     bool
	noTray      bool
	httpAddress string
}

//go:embed lang/active.*.toml
var langFS embed.FS

// NewStation creates a Station instance
func NewStation(logger *zap.SugaredLogger, verbose bool, configPath string) (*Station, error) {
	logger = logger.Named("lendscan")

	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	_, err := bundle.LoadMessageFileFS(langFS, "lang/active.es.toml")

	if err != nil {
		logger.Errorw("Failed to open es message file", "error", err)
		return nil, fmt.Errorf("load message file: %w", err)
	}

	notifier, err := notify.NewToastNotifier(logger, icon.Logo())
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Station{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		camera:      v4l2.NewCamera(logger),
		history:     NewHistory(defaultHistorySize),
		bundle:      bundle,
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	s.serial = NewSerialReader(s, logger)
	s.hid = NewHIDReader(s, logger)

	logger.Debug("Created lendscan instance")

	return s, nil
}

// Initialize sets up components and starts to run in the background
func (s *Station) Initialize() error {
	s.logger.Debug("Initializing")

	// create temp initialLocalizer because we don't know the language yet
	initialLocalizer, err := s.GetSystemLocalizer()
	if err != nil {
		return err
	}

	// load the config for the first time
	if err := s.config.Load(initialLocalizer); err != nil {
		s.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := s.updateLocalizer(); err != nil {
		s.logger.Errorw("Failed to update localizer", "error", err)
		return fmt.Errorf("update localizer: %w", err)
	}

	s.scanner = s.newScanner()
	s.setupOnConfigReload()

	_, _, httpConfig, _ := s.config.Snapshot()
	address := httpConfig.Listen
	if s.httpAddress != "" {
		address = s.httpAddress
	}
	s.server = NewServer(s.logger, s.scanner, s.history, address)

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {
		s.noTray = true
	}

	if s.noTray {

		s.logger.Debugw("Running without tray icon", "reason", "flag or envvar set")

		// run in main thread while waiting on ctrl+C
		s.setupInterruptHandler()
		s.run()

	} else {
		s.setupInterruptHandler()
		s.initializeTray(s.run)
	}

	return nil
}

// newScanner builds the camera scanner from the loaded config
func (s *Station) newScanner() *scanner.Scanner {
	scannerConfig, _, _, _ := s.config.Snapshot()

	backends := make([]scanner.Backend, 0, len(scannerConfig.Decoders))
	for _, name := range scannerConfig.Decoders {
		switch name {
		case opencv.Name:
			backends = append(backends, opencv.New(s.logger))
		case zxing.Name:
			backends = append(backends, zxing.New(s.logger, scannerConfig.Formats))
		default:
			s.logger.Warnw("Ignoring unknown decoder", "decoder", name)
		}
	}

	return scanner.New(s.logger, s.camera, backends, scanner.Config{
		AutoStart:              scannerConfig.AutoStart,
		Cooldown:               scannerConfig.Cooldown,
		EmitLastPayload:        scannerConfig.EmitLastPayload,
		AutoReArmAfterCooldown: scannerConfig.AutoReArm,
		SoundEnabled:           scannerConfig.Sound,
		DeviceID:               scannerConfig.Device,
		SettleDelay:            scannerConfig.Settle,
		Formats:                scannerConfig.Formats,
		OnDetected:             s.handleDetection,
		OnError:                s.handleScannerError,
		OnClose: func() {
			s.logger.Debug("Scanner closed")
		},
	}, scanner.WithAudio(audio.Chain(audio.Pulse(s.logger), audio.Bell())))
}

func (s *Station) GetSystemLocalizer() (*i18n.Localizer, error) {
	lang, err := locale.GetLanguage()
	if err != nil {
		return nil, fmt.Errorf("get system locale: %w", err)
	}
	return i18n.NewLocalizer(s.bundle, lang, "en"), nil
}

func (s *Station) updateLocalizer() error {
	_, _, _, lang := s.config.Snapshot()
	if lang == "auto" || lang == "" {
		var err error
		lang, err = locale.GetLanguage()

		if err != nil {
			s.logger.Errorw("Failed to get system locale", "error", err)
			return fmt.Errorf("get system locale: %w", err)
		}
	}
	s.logger.Infof("Selected language: %s", lang)

	s.localizerLock.Lock()
	s.localizer = i18n.NewLocalizer(s.bundle, lang, "en")
	s.localizerLock.Unlock()

	return nil
}

// Localizer returns the localizer for the configured language
func (s *Station) Localizer() *i18n.Localizer {
	s.localizerLock.RLock()
	defer s.localizerLock.RUnlock()

	return s.localizer
}

// SetVersion causes lendscan to add a version string to its tray menu if called before Initialize
func (s *Station) SetVersion(version string) {
	s.version = version
}

// SetNoTray makes Initialize run without a tray icon
func (s *Station) SetNoTray(noTray bool) {
	s.noTray = noTray
}

// SetHTTPAddress overrides the configured control server address; "off"
// disables the server
func (s *Station) SetHTTPAddress(address string) {
	s.httpAddress = address
}

// Verbose returns a boolean indicating whether lendscan is running in verbose mode
func (s *Station) Verbose() bool {
	return s.verbose
}

// Submit hands a payload from a hardware reader to the scanner
func (s *Station) Submit(source, payload, format string) {
	if s.scanner == nil {
		s.logger.Warnw("Dropping payload read before initialization", "source", source)
		return
	}

	verdict, err := s.scanner.Submit(source, payload, format)
	if err != nil {
		s.logger.Debugw("Scanner refused payload", "source", source, "error", err)
		return
	}

	if s.verbose {
		s.logger.Debugw("Submitted payload", "source", source, "payload", payload, "verdict", verdict)
	}
}

func (s *Station) handleDetection(event scanner.DetectionEvent) {
	s.history.Add(event)
	s.logger.Infow("Detected",
		"payload", event.Payload,
		"format", event.Format,
		"source", event.Source)
}

// handleScannerError tells the user why the camera session ended
func (s *Station) handleScannerError(err error) {
	var camErr *scanner.CameraError
	deviceID := ""
	if errors.As(err, &camErr) {
		deviceID = camErr.DeviceID
	}

	localizer := s.Localizer()

	title := localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "CameraErrorNotificationTitle",
			Other: "Camera unavailable",
		},
	})

	var description string
	switch scanner.ClassifyError(err) {
	case scanner.CauseDenied:
		description = localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "CameraDeniedDescription",
				Other: "Access to the camera was denied. Check that lendscan may use video devices.",
			},
		})

	case scanner.CauseNotFound:
		description = localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "CameraNotFoundDescription",
				Other: "No camera was found. Connect one and start scanning again.",
			},
		})

	case scanner.CauseBusy:
		holders := s.cameraHolders(deviceID)
		if holders == "" {
			description = localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "CameraBusyDescription",
					Other: "The camera is in use or can't be read.",
				},
			})
		} else {
			description = localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "CameraBusyHoldersDescription",
					Other: "The camera is in use by {{.Holders}}.",
				},
				TemplateData: map[string]string{
					"Holders": holders,
				},
			})
		}

	case scanner.CauseDecoder:
		description = localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "DecoderErrorDescription",
				Other: "No barcode decoder could be started.",
			},
		})

	default:
		description = localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "CameraUnknownErrorDescription",
				Other: "The camera couldn't be started: {{.Error}}",
			},
			TemplateData: map[string]string{
				"Error": err.Error(),
			},
		})
	}

	s.notifier.Notify(title, description)
}

// cameraHolders names the processes holding a busy camera, or "" when
// they can't be determined
func (s *Station) cameraHolders(deviceID string) string {
	if deviceID == "" {
		return ""
	}

	holders, err := util.DeviceHolders(deviceID)
	if err != nil {
		s.logger.Debugw("Failed to look up camera holders", "device", deviceID, "error", err)
		return ""
	}

	names := make([]string, 0, len(holders))
	for _, holder := range holders {
		names = append(names, holder.String())
	}

	if len(names) > 0 {
		s.logger.Infow("Camera is held by other processes", "device", deviceID, "holders", names)
	}

	return strings.Join(names, ", ")
}

// setupOnConfigReload applies the settings that can change without a restart
func (s *Station) setupOnConfigReload() {
	configReloadedChannel := s.config.SubscribeToChanges()
	applied, _, _, appliedLanguage := s.config.Snapshot()

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-configReloadedChannel:
			}

			scannerConfig, _, _, lang := s.config.Snapshot()

			if scannerConfig.Device != applied.Device {
				s.logger.Infow("Detected change in camera selection", "device", scannerConfig.Device)
				if err := s.scanner.SetSelectedDeviceID(scannerConfig.Device); err != nil {
					s.logger.Warnw("Failed to select configured camera", "device", scannerConfig.Device, "error", err)
				}
			}

			if scannerConfig.Sound != applied.Sound {
				s.scanner.SetSoundEnabled(scannerConfig.Sound)
			}

			if lang != appliedLanguage {
				if err := s.updateLocalizer(); err != nil {
					s.logger.Warnw("Failed to update localizer", "error", err)
				}
			}

			if scannerConfig.Cooldown != applied.Cooldown ||
				scannerConfig.Settle != applied.Settle ||
				scannerConfig.EmitLastPayload != applied.EmitLastPayload ||
				scannerConfig.AutoReArm != applied.AutoReArm ||
				strings.Join(scannerConfig.Decoders, ",") != strings.Join(applied.Decoders, ",") ||
				strings.Join(scannerConfig.Formats, ",") != strings.Join(applied.Formats, ",") {
				s.logger.Info("Scanner timing, decoder and format changes take effect after a restart")
			}

			applied, appliedLanguage = scannerConfig, lang
		}
	}()
}

func (s *Station) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		s.logger.Debugw("Interrupted", "signal", signal)
		s.signalStop()
	}()
}

func (s *Station) run() {
	s.logger.Info("Run loop starting")

	// watch the config file for changes
	go s.config.WatchConfigFileChanges(s.Localizer())

	// connect hardware readers
	s.serial.Start()
	s.hid.Start()

	if err := s.server.Start(); err != nil {
		s.logger.Warnw("Failed to start HTTP server", "error", err)
	}

	go func() {
		if err := s.scanner.Initialize(s.ctx); err != nil {
			s.logger.Warnw("Failed to start scanning", "error", err)
		}
	}()

	// wait until stopped (gracefully)
	<-s.stopChannel
	s.logger.Debug("Stop channel signaled, terminating")

	if err := s.stop(); err != nil {
		s.logger.Warnw("Failed to stop lendscan", "error", err)
		os.Exit(1)
	}
	// exit with 0
	os.Exit(0)
}

func (s *Station) signalStop() {
	s.logger.Debug("Signalling stop channel")
	s.stopChannel <- true
}

func (s *Station) stop() error {
	s.logger.Info("Stopping")

	s.config.StopWatchingConfigFile()

	var group errgroup.Group

	group.Go(func() error {
		s.serial.Stop()
		return nil
	})
	group.Go(func() error {
		s.hid.Stop()
		return nil
	})
	group.Go(func() error {
		return s.server.Stop(context.Background())
	})
	group.Go(func() error {
		if err := s.scanner.Close(); err != nil {
			return fmt.Errorf("close scanner: %w", err)
		}
		return nil
	})

	err := group.Wait()
	s.cancel()

	if err != nil {
		s.logger.Errorw("Failed to stop components", "error", err)
		return fmt.Errorf("stop components: %w", err)
	}

	if !s.noTray {
		s.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = s.logger.Sync()

	return nil
}
