package lendscan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/toolcrib/lendscan/pkg/lendscan/util"
	"github.com/toolcrib/lendscan/pkg/notify"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for lendscan's configuration file
type CanonicalConfig struct {
	Language string

	Scanner ScannerConfig
	Readers ReadersConfig
	HTTP    HTTPConfig

	logger   *zap.SugaredLogger
	notifier notify.Notifier

	// guards the fields above once the watcher runs
	lock sync.RWMutex

	configPath string
	userConfig *viper.Viper

	reloadConsumers []chan bool

	stopWatcherChannel chan bool
	lastReload         time.Time
}

// ScannerConfig holds the camera scanning session settings
type ScannerConfig struct {
	AutoStart       bool
	Cooldown        time.Duration
	EmitLastPayload bool
	AutoReArm       bool
	Sound           bool
	Device          string
	Settle          time.Duration
	Decoders        []string
	Formats         []string
}

// ReadersConfig holds the hardware barcode reader settings
type ReadersConfig struct {
	Serial SerialConfig
	HID    HIDConfig
}

// SerialConfig selects the serial barcode reader. Port is "off", "auto" or a
// device path.
type SerialConfig struct {
	Port     string
	BaudRate int
}

// HIDConfig selects the keyboard-wedge reader by a substring of its input
// device name; an empty name disables it
type HIDConfig struct {
	Name string
}

// HTTPConfig holds the control/preview server settings
type HTTPConfig struct {
	Listen string
}

const (
	userConfigFilename = "config.yaml"

	configType = "yaml"

	configKeyLanguage              = "language"
	configKeyAutoStart             = "scanner.auto_start"
	configKeyCooldown              = "scanner.cooldown_ms"
	configKeyEmitLastPayload       = "scanner.emit_last_payload"
	configKeyAutoReArm             = "scanner.auto_rearm"
	configKeySound                 = "scanner.sound"
	configKeyDevice                = "scanner.device"
	configKeySettle                = "scanner.settle_ms"
	configKeyDecoders              = "scanner.decoders"
	configKeyFormats               = "scanner.formats"
	configKeySerialPort            = "readers.serial.port"
	configKeySerialBaudRate        = "readers.serial.baud_rate"
	configKeyHIDName               = "readers.hid.name"
	configKeyHTTPListen            = "http.listen"
	defaultLanguage                = "auto"
	defaultSerialPort              = "off"
	defaultBaudRate                = 9600
	defaultHTTPListen              = "127.0.0.1:8765"
	minTimeBetweenReloadAttempts   = time.Millisecond * 500
	delayBetweenEventAndReload     = time.Millisecond * 50
	defaultCooldownMilliseconds    = 1500
	defaultSettleDelayMilliseconds = 80
)

var defaultDecoders = []string{"opencv", "zxing"}

// NewConfig creates a config instance for the lendscan object and sets up viper instances for lendscan's config files.
// An empty configPath looks for config.yaml in the working directory, then in the user config directory.
func NewConfig(logger *zap.SugaredLogger, notifier notify.Notifier, configPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		configPath:         configPath,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigType(configType)

	if configPath != "" {
		userConfig.SetConfigFile(configPath)
	} else {
		userConfig.SetConfigName(strings.TrimSuffix(userConfigFilename, filepath.Ext(userConfigFilename)))
		userConfig.AddConfigPath(".")

		if dir, err := os.UserConfigDir(); err == nil {
			userConfig.AddConfigPath(filepath.Join(dir, "lendscan"))
		}
	}

	userConfig.SetDefault(configKeyLanguage, defaultLanguage)
	userConfig.SetDefault(configKeyAutoStart, true)
	userConfig.SetDefault(configKeyCooldown, defaultCooldownMilliseconds)
	userConfig.SetDefault(configKeyEmitLastPayload, true)
	userConfig.SetDefault(configKeyAutoReArm, true)
	userConfig.SetDefault(configKeySound, true)
	userConfig.SetDefault(configKeyDevice, "")
	userConfig.SetDefault(configKeySettle, defaultSettleDelayMilliseconds)
	userConfig.SetDefault(configKeyDecoders, defaultDecoders)
	userConfig.SetDefault(configKeyFormats, []string{})
	userConfig.SetDefault(configKeySerialPort, defaultSerialPort)
	userConfig.SetDefault(configKeySerialBaudRate, defaultBaudRate)
	userConfig.SetDefault(configKeyHIDName, "")
	userConfig.SetDefault(configKeyHTTPListen, defaultHTTPListen)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads lendscan's config files from disk and tries to parse them.
// A missing file isn't an error: every key has a default.
func (cc *CanonicalConfig) Load(localizer *i18n.Localizer) error {
	cc.logger.Debugw("Loading config", "path", cc.configPath)

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), cc.configPath != "" && errors.Is(err, os.ErrNotExist):
			cc.logger.Infow("Config file not found, using defaults", "path", cc.configPath)

		default:
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			title := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ConfigInvalidNotificationTitle",
					Other: "Invalid configuration!",
				},
			})
			description := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ConfigInvalidNotificationDescription",
					Other: "Please make sure {{.File}} is in a valid YAML format.",
				},
				TemplateData: map[string]string{
					"File": cc.filename(),
				},
			})
			cc.notifier.Notify(title, description)

			return fmt.Errorf("read user config: %w", err)
		}
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"scanner", cc.Scanner,
		"readers", cc.Readers,
		"http", cc.HTTP,
		"language", cc.Language)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges(localizer *i18n.Localizer) {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.filename())

	// set up the watch
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}

		now := time.Now()

		// editors may fire multiple write events for one save; only act on
		// the first one in each window
		cc.lock.Lock()
		if cc.lastReload.Add(minTimeBetweenReloadAttempts).After(now) {
			cc.lock.Unlock()
			return
		}
		cc.lastReload = now
		cc.lock.Unlock()

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(localizer); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
			return
		}

		cc.logger.Info("Reloaded config successfully")

		title := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ConfigReloadedNotificationTitle",
				Other: "Configuration reloaded!",
			},
		})
		description := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ConfigReloadedNotificationDescription",
				Other: "Your changes have been applied.",
			},
		})
		cc.notifier.Notify(title, description)

		cc.onConfigReloaded()
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
	}
}

// ConfigFile returns the path of the config file in use, if any
func (cc *CanonicalConfig) ConfigFile() string {
	return cc.filename()
}

func (cc *CanonicalConfig) filename() string {
	if used := cc.userConfig.ConfigFileUsed(); used != "" {
		return used
	}
	if cc.configPath != "" {
		return cc.configPath
	}

	return userConfigFilename
}

func (cc *CanonicalConfig) populateFromVipers() error {
	scannerConfig := ScannerConfig{
		AutoStart:       cc.userConfig.GetBool(configKeyAutoStart),
		Cooldown:        time.Duration(cc.userConfig.GetInt(configKeyCooldown)) * time.Millisecond,
		EmitLastPayload: cc.userConfig.GetBool(configKeyEmitLastPayload),
		AutoReArm:       cc.userConfig.GetBool(configKeyAutoReArm),
		Sound:           cc.userConfig.GetBool(configKeySound),
		Device:          strings.TrimSpace(cc.userConfig.GetString(configKeyDevice)),
		Settle:          time.Duration(cc.userConfig.GetInt(configKeySettle)) * time.Millisecond,
		Decoders:        normalizeNames(cc.userConfig.GetStringSlice(configKeyDecoders)),
		Formats:         normalizeNames(cc.userConfig.GetStringSlice(configKeyFormats)),
	}

	if scannerConfig.Cooldown < 0 {
		return fmt.Errorf("invalid %s: %v", configKeyCooldown, scannerConfig.Cooldown)
	}
	if len(scannerConfig.Decoders) == 0 {
		cc.logger.Warnw("No decoders configured, using defaults", "defaults", defaultDecoders)
		scannerConfig.Decoders = defaultDecoders
	}

	readers := ReadersConfig{
		Serial: SerialConfig{
			Port:     strings.TrimSpace(cc.userConfig.GetString(configKeySerialPort)),
			BaudRate: cc.userConfig.GetInt(configKeySerialBaudRate),
		},
		HID: HIDConfig{
			Name: strings.TrimSpace(cc.userConfig.GetString(configKeyHIDName)),
		},
	}

	if readers.Serial.Port == "" {
		readers.Serial.Port = defaultSerialPort
	}

	if readers.Serial.BaudRate <= 0 {
		cc.logger.Warnw("Invalid baud rate specified, using default value",
			"key", configKeySerialBaudRate,
			"invalidValue", readers.Serial.BaudRate,
			"defaultValue", defaultBaudRate)

		readers.Serial.BaudRate = defaultBaudRate
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()

	cc.Language = cc.userConfig.GetString(configKeyLanguage)
	cc.Scanner = scannerConfig
	cc.Readers = readers
	cc.HTTP = HTTPConfig{Listen: strings.TrimSpace(cc.userConfig.GetString(configKeyHTTPListen))}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

// Snapshot returns a copy of the parsed configuration
func (cc *CanonicalConfig) Snapshot() (ScannerConfig, ReadersConfig, HTTPConfig, string) {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.Scanner, cc.Readers, cc.HTTP, cc.Language
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}

// EnsureConfigFile returns the config file in use, writing the defaults to
// the user config directory first if lendscan is running without one
func (cc *CanonicalConfig) EnsureConfigFile() (string, error) {
	if used := cc.userConfig.ConfigFileUsed(); used != "" && util.FileExists(used) {
		return used, nil
	}

	path := cc.configPath
	if path == "" {
		dir, err := ensureUserConfigDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, userConfigFilename)
	}

	if util.FileExists(path) {
		return path, nil
	}

	if err := cc.userConfig.SafeWriteConfigAs(path); err != nil {
		cc.logger.Warnw("Failed to write default config", "path", path, "error", err)
		return "", fmt.Errorf("write default config: %w", err)
	}

	cc.logger.Infow("Wrote default config", "path", path)

	return path, nil
}

func ensureUserConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}

	dir = filepath.Join(dir, "lendscan")
	if err := util.EnsureDirExists(dir); err != nil {
		return "", err
	}

	return dir, nil
}

func normalizeNames(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			result = append(result, name)
		}
	}

	return result
}
