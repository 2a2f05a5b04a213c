package lendscan

import (
	"github.com/getlantern/systray"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"github.com/toolcrib/lendscan/pkg/icon"
	"github.com/toolcrib/lendscan/pkg/lendscan/util"
	"github.com/toolcrib/lendscan/pkg/scanner"
)

// deviceMenu is the camera submenu; systray can't remove items, so entries
// are reused and hidden when the list shrinks
type deviceMenu struct {
	parent  *systray.MenuItem
	items   []*systray.MenuItem
	ids     []string
	clicked chan int
}

func (m *deviceMenu) update(snapshot scanner.Snapshot) {
	for len(m.items) < len(snapshot.Devices) {
		idx := len(m.items)
		item := m.parent.AddSubMenuItemCheckbox("", "", false)
		m.items = append(m.items, item)
		m.ids = append(m.ids, "")

		go func() {
			for range item.ClickedCh {
				m.clicked <- idx
			}
		}()
	}

	for idx, item := range m.items {
		if idx >= len(snapshot.Devices) {
			item.Hide()
			continue
		}

		device := snapshot.Devices[idx]
		m.ids[idx] = device.ID

		title := device.Label
		if title == "" {
			title = device.ID
		}
		item.SetTitle(title)
		item.SetTooltip(device.ID)

		if device.ID == snapshot.SelectedDeviceID {
			item.Check()
		} else {
			item.Uncheck()
		}
		item.Show()
	}

	if len(snapshot.Devices) == 0 {
		m.parent.Disable()
	} else {
		m.parent.Enable()
	}
}

func (s *Station) initializeTray(onDone func()) {
	logger := s.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Logo(), icon.Logo())
		systray.SetTitle("lendscan")
		systray.SetTooltip("lendscan")

		localizer := s.Localizer()
		localize := func(id, other string) string {
			return localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    id,
					Other: other,
				},
			})
		}

		startTitle := localize("StartScanningTitle", "Start scanning")
		stopTitle := localize("StopScanningTitle", "Stop scanning")
		scanning := systray.AddMenuItem(startTitle, localize("StartScanningDescription", "Start or stop the camera"))

		reset := systray.AddMenuItem(
			localize("ResetScannerTitle", "Ready for next scan"),
			localize("ResetScannerDescription", "End the cool-down and accept the next barcode right away"))

		torch := systray.AddMenuItemCheckbox(
			localize("TorchTitle", "Torch"),
			localize("TorchDescription", "Light up the barcode"), false)
		torch.Hide()

		sound := systray.AddMenuItemCheckbox(
			localize("SoundTitle", "Sound"),
			localize("SoundDescription", "Beep on every accepted scan"), false)

		devices := &deviceMenu{
			parent:  systray.AddMenuItem(localize("CameraMenuTitle", "Camera"), localize("CameraMenuDescription", "Choose the camera to scan with")),
			clicked: make(chan int),
		}

		systray.AddSeparator()

		editConfig := systray.AddMenuItem(
			localize("EditConfigTitle", "Edit configuration"),
			localize("EditConfigDescription", "Open config file with the default editor"))

		if s.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(s.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()

		quit := systray.AddMenuItem(
			localize("QuitTitle", "Quit"),
			localize("QuitDescription", "Stop lendscan and quit"))

		changes := s.scanner.SubscribeToChanges()

		refresh := func() {
			snapshot := s.scanner.Snapshot()

			if snapshot.State == scanner.StateIdle {
				scanning.SetTitle(startTitle)
				systray.SetIcon(icon.Logo())
			} else {
				scanning.SetTitle(stopTitle)
				systray.SetIcon(icon.Active())
			}

			if snapshot.TorchSupported {
				torch.Show()
			} else {
				torch.Hide()
			}
			if snapshot.TorchEnabled {
				torch.Check()
			} else {
				torch.Uncheck()
			}

			if snapshot.SoundEnabled {
				sound.Check()
			} else {
				sound.Uncheck()
			}

			devices.update(snapshot)
		}
		refresh()

		// wait on things to happen
		go func() {
			for {
				select {

				case <-changes:
					refresh()

				// quit
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					s.signalStop()

				case <-scanning.ClickedCh:
					if s.scanner.Snapshot().State == scanner.StateIdle {
						logger.Info("Start menu item clicked, starting scanner")

						go func() {
							if err := s.scanner.Start(s.ctx); err != nil {
								logger.Warnw("Failed to start scanner", "error", err)
							}
						}()
					} else {
						logger.Info("Stop menu item clicked, stopping scanner")
						s.scanner.Stop()
					}

				case <-reset.ClickedCh:
					s.scanner.ResetScanner()

				case <-torch.ClickedCh:
					if err := s.scanner.ToggleTorch(); err != nil {
						logger.Warnw("Failed to toggle torch", "error", err)
					}

				case <-sound.ClickedCh:
					s.scanner.SetSoundEnabled(!sound.Checked())

				case idx := <-devices.clicked:
					id := devices.ids[idx]
					logger.Infow("Camera menu item clicked", "device", id)

					if err := s.scanner.SetSelectedDeviceID(id); err != nil {
						logger.Warnw("Failed to select camera", "device", id, "error", err)
					}

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					path, err := s.config.EnsureConfigFile()
					if err != nil {
						logger.Warnw("Failed to prepare config file for editing", "error", err)
						continue
					}

					if err := util.OpenExternal(logger, path); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (s *Station) stopTray() {
	s.logger.Debug("Quitting tray")
	systray.Quit()
}
