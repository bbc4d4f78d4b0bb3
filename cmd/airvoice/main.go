package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/airvoice/internal/banner"
	"github.com/sebas/airvoice/internal/config"
	"github.com/sebas/airvoice/internal/logger"
	"github.com/sebas/airvoice/internal/maincontrol"
)

const configPath = "AirVoice.cfg"

func main() {
	logger.Init(os.Stderr)

	modems, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	banner.Print(bannerLines(modems))

	controller := maincontrol.NewController(modems)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := controller.Run(ctx); err != nil {
		slog.Error("maincontrol exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("airvoice exiting cleanly")
}

func bannerLines(modems map[string]config.ModemConfig) []banner.ModemLine {
	lines := make([]banner.ModemLine, 0, len(modems))
	for _, m := range modems {
		lines = append(lines, banner.ModemLine{
			EquipmentID: m.EquipmentID,
			SipHost:     m.SipHost,
			LocalIP:     m.LocalIP,
		})
	}
	return lines
}
