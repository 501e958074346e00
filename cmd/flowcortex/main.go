package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/app"
	"github.com/aosanya/FlowCortex/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("FlowCortex\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	logrus.WithFields(logrus.Fields{
		"version":     version,
		"environment": cfg.Environment,
	}).Info("Starting FlowCortex")

	application, err := app.New(cfg)
	if err != nil {
		logrus.WithError(err).Error("Startup failed")
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		logrus.WithError(err).Error("Application failed")
		os.Exit(1)
	}
}
