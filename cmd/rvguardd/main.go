package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/config"
	"github.com/tad-europe/rvguard/internal/diag"
	"github.com/tad-europe/rvguard/internal/driver"
	"github.com/tad-europe/rvguard/internal/endpoint"
	"github.com/tad-europe/rvguard/pkg/types"
	"github.com/tad-europe/rvguard/internal/version"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(os.Getenv("RVGUARD_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"socket":  cfg.SocketPath,
	}).Info("Starting rvguard engine")

	engine := driver.New(cfg, log)
	if err := engine.Load(); err != nil {
		log.WithError(err).Fatal("Engine load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)

	ep, err := endpoint.New(log, engine, cfg.SocketPath)
	if err != nil {
		log.WithError(err).Fatal("Control endpoint setup failed")
	}
	go func() {
		if err := ep.Start(ctx); err != nil {
			log.WithError(err).Error("Control endpoint stopped")
			cancel()
		}
	}()

	if cfg.DiagAddr != "" {
		d := diag.New(log, engine, cfg.DiagAddr)
		go func() {
			if err := d.Start(ctx); err != nil {
				log.WithError(err).Error("Diagnostics server stopped")
			}
		}()
	}

	// Termination follows the same rule as engine unload: a signal is
	// honored only after the agent has presented the unlock key. Anything
	// else is treated as tampering and surfaced through the alert channel.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	for sig := range sigCh {
		if err := engine.Unload(); err != nil {
			log.WithFields(logrus.Fields{
				"signal": sig.String(),
			}).WithError(err).Warn("Termination refused")
			engine.Alerts().PublishText(types.AlertServiceTamper, 0, "termination signal refused while locked")
			continue
		}
		log.WithField("signal", sig.String()).Info("Shutting down")
		break
	}
	cancel()
}
