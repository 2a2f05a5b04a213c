package lendscan

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap/zaptest"
	"golang.org/x/text/language"
)

type notification struct {
	title   string
	message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, notification{title, message})
}

func (n *fakeNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]notification(nil), n.sent...)
}

func (n *fakeNotifier) has(title string) bool {
	for _, sent := range n.all() {
		if sent.title == title {
			return true
		}
	}

	return false
}

type submission struct {
	source  string
	payload string
	format  string
}

// newTestStation builds a station around a config with the given settings,
// without a scanner or any started component
func newTestStation(t *testing.T, settings map[string]interface{}) (*Station, *fakeNotifier) {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()
	notifier := &fakeNotifier{}

	config, err := NewConfig(logger, notifier, filepath.Join(t.TempDir(), userConfigFilename))
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	for key, value := range settings {
		config.userConfig.Set(key, value)
	}
	if err := config.populateFromVipers(); err != nil {
		t.Fatalf("populateFromVipers() error = %v", err)
	}

	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	if _, err := bundle.LoadMessageFileFS(langFS, "lang/active.es.toml"); err != nil {
		t.Fatalf("load messages: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &Station{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		history:     NewHistory(defaultHistorySize),
		bundle:      bundle,
		localizer:   i18n.NewLocalizer(bundle, "en"),
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool),
	}

	return s, notifier
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
