package lendscan

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap/zaptest"

	"github.com/toolcrib/lendscan/pkg/lendscan/util"
)

func newTestConfig(t *testing.T, content string) (*CanonicalConfig, *fakeNotifier, *i18n.Localizer) {
	t.Helper()

	path := filepath.Join(t.TempDir(), userConfigFilename)
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	notifier := &fakeNotifier{}
	cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), notifier, path)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	station, _ := newTestStation(t, nil)

	return cc, notifier, station.Localizer()
}

func TestLoadDefaults(t *testing.T) {
	cc, notifier, localizer := newTestConfig(t, "")

	if err := cc.Load(localizer); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	scannerConfig, readers, httpConfig, lang := cc.Snapshot()

	want := ScannerConfig{
		AutoStart:       true,
		Cooldown:        1500 * time.Millisecond,
		EmitLastPayload: true,
		AutoReArm:       true,
		Sound:           true,
		Settle:          80 * time.Millisecond,
		Decoders:        []string{"opencv", "zxing"},
		Formats:         []string{},
	}
	if !reflect.DeepEqual(scannerConfig, want) {
		t.Errorf("Scanner = %+v, want %+v", scannerConfig, want)
	}
	if readers.Serial != (SerialConfig{Port: "off", BaudRate: 9600}) || readers.HID.Name != "" {
		t.Errorf("Readers = %+v", readers)
	}
	if httpConfig.Listen != "127.0.0.1:8765" {
		t.Errorf("HTTP.Listen = %q", httpConfig.Listen)
	}
	if lang != "auto" {
		t.Errorf("Language = %q", lang)
	}
	if len(notifier.all()) != 0 {
		t.Errorf("notifications = %v", notifier.all())
	}
}

func TestLoadFile(t *testing.T) {
	cc, _, localizer := newTestConfig(t, `
language: es
scanner:
  auto_start: false
  cooldown_ms: 2000
  sound: false
  device: /dev/video2
  decoders: [ZXing]
  formats: [QR_CODE, " ean_13 "]
readers:
  serial:
    port: auto
    baud_rate: -1
  hid:
    name: Symbol Technologies
http:
  listen: "off"
`)

	if err := cc.Load(localizer); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	scannerConfig, readers, httpConfig, lang := cc.Snapshot()

	if scannerConfig.AutoStart || scannerConfig.Sound {
		t.Errorf("AutoStart/Sound not read: %+v", scannerConfig)
	}
	if scannerConfig.Cooldown != 2*time.Second {
		t.Errorf("Cooldown = %v", scannerConfig.Cooldown)
	}
	if scannerConfig.Device != "/dev/video2" {
		t.Errorf("Device = %q", scannerConfig.Device)
	}
	if !reflect.DeepEqual(scannerConfig.Decoders, []string{"zxing"}) {
		t.Errorf("Decoders = %v", scannerConfig.Decoders)
	}
	if !reflect.DeepEqual(scannerConfig.Formats, []string{"qr_code", "ean_13"}) {
		t.Errorf("Formats = %v", scannerConfig.Formats)
	}
	if readers.Serial != (SerialConfig{Port: "auto", BaudRate: defaultBaudRate}) {
		t.Errorf("Serial = %+v", readers.Serial)
	}
	if readers.HID.Name != "Symbol Technologies" {
		t.Errorf("HID.Name = %q", readers.HID.Name)
	}
	if httpConfig.Listen != "off" || lang != "es" {
		t.Errorf("HTTP = %+v, Language = %q", httpConfig, lang)
	}
}

func TestLoadRejectsNegativeCooldown(t *testing.T) {
	cc, _, localizer := newTestConfig(t, "scanner:\n  cooldown_ms: -5\n")

	if err := cc.Load(localizer); err == nil {
		t.Error("Load() accepted a negative cooldown")
	}
}

func TestLoadInvalidNotifies(t *testing.T) {
	cc, notifier, localizer := newTestConfig(t, "scanner: [unclosed\n")

	if err := cc.Load(localizer); err == nil {
		t.Fatal("Load() accepted invalid YAML")
	}

	if !notifier.has("Invalid configuration!") {
		t.Errorf("notifications = %v", notifier.all())
	}
}

func TestSubscribeToChangesCoalesces(t *testing.T) {
	cc, _, _ := newTestConfig(t, "")

	changes := cc.SubscribeToChanges()
	cc.onConfigReloaded()
	cc.onConfigReloaded()

	<-changes
	select {
	case <-changes:
		t.Error("second reload wasn't coalesced")
	default:
	}
}

func TestEnsureConfigFile(t *testing.T) {
	cc, _, localizer := newTestConfig(t, "")
	if err := cc.Load(localizer); err != nil {
		t.Fatal(err)
	}

	path, err := cc.EnsureConfigFile()
	if err != nil {
		t.Fatalf("EnsureConfigFile() error = %v", err)
	}
	if path != cc.configPath || !util.FileExists(path) {
		t.Fatalf("EnsureConfigFile() = %q, file written: %v", path, util.FileExists(path))
	}

	// the written defaults load back
	if err := cc.Load(localizer); err != nil {
		t.Fatalf("Load() of written defaults error = %v", err)
	}
	if scannerConfig, _, _, _ := cc.Snapshot(); scannerConfig.Cooldown != 1500*time.Millisecond {
		t.Errorf("Cooldown = %v", scannerConfig.Cooldown)
	}
}
