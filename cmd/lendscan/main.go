package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/jawher/mow.cli"

	"github.com/toolcrib/lendscan/pkg/lendscan"
	"github.com/toolcrib/lendscan/pkg/scanner/v4l2"
)

const (
	appName = "lendscan"
	appDesc = "barcode and QR scanning station for the tool crib"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

func main() {
	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "c config",
		Desc:   "config file location",
		EnvVar: "LENDSCAN_CONFIG",
		Value:  "",
	})

	verbose := app.Bool(cli.BoolOpt{
		Name:   "v verbose",
		Desc:   "show verbose logs (useful for debugging readers)",
		EnvVar: "LENDSCAN_VERBOSE",
		Value:  false,
	})

	noTray := app.Bool(cli.BoolOpt{
		Name:   "no-tray",
		Desc:   "run without a tray icon",
		EnvVar: "LENDSCAN_NO_TRAY",
		Value:  false,
	})

	httpAddress := app.String(cli.StringOpt{
		Name:   "http",
		Desc:   "HTTP listen address, overrides the config file (\"off\" disables it)",
		EnvVar: "LENDSCAN_HTTP",
		Value:  "",
	})

	app.Command("devices", "list the cameras lendscan can scan with", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			logger, err := lendscan.NewLogger(buildType, *verbose)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
				cli.Exit(1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			devices, err := v4l2.NewCamera(logger).Devices(ctx)
			if err != nil {
				logger.Named("main").Errorw("Failed to list cameras", "error", err)
				cli.Exit(1)
			}

			for _, device := range devices {
				fmt.Printf("%s\t%s\n", device.ID, device.Label)
			}
		}
	})

	app.Action = func() {
		logger, err := lendscan.NewLogger(buildType, *verbose)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
			cli.Exit(1)
		}

		named := logger.Named("main")
		named.Debug("Created logger")

		named.Infow("Version info",
			"gitCommit", gitCommit,
			"versionTag", versionTag,
			"buildType", buildType)

		if *verbose {
			named.Debug("Verbose flag provided, all log messages will be shown")
		}

		s, err := lendscan.NewStation(logger, *verbose, *configPath)
		if err != nil {
			named.Fatalw("Failed to create station", "error", err)
		}

		if buildType != "" && (versionTag != "" || gitCommit != "") {
			identifier := gitCommit
			if versionTag != "" {
				identifier = versionTag
			}

			s.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
		}

		s.SetNoTray(*noTray)
		s.SetHTTPAddress(*httpAddress)

		if err := s.Initialize(); err != nil {
			named.Fatalw("Failed to initialize station", "error", err)
		}
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
