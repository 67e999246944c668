// Command serialtee exposes one physical serial line as multiple virtual
// terminals, each isolated from the others' pacing.
//
// Usage:
//
//	serialtee [flags]
//
// Flags:
//
//	-master string            Path of the serial device to share (default "/dev/ttyUSB0")
//	-baudrate int             Baud rate of the master device (default 9600)
//	-slave0 string            Path exposing the first copy of the stream (default "slave0.pty")
//	-slave1 string            Path exposing the second copy of the stream (default "slave1.pty")
//	-master-read-timeout int  Master read timeout in milliseconds (default 1000)
//	-slave-write-timeout int  Per-slave write timeout in milliseconds (default 1000)
//	-raw-log string           File path for the raw traffic log (CBOR format)
//	-log-path string          File receiving a copy of the log output
//	-config string            YAML config file; when set it replaces the other flags
//	-stats-interval duration  Interval between stats log lines, 0 disables (default 0)
//	-debug                    Enable debug logging
//
// Examples:
//
//	# Share a GPS at the default 9600 baud
//	serialtee -master /dev/ttyUSB0 -slave0 /tmp/gps0.pty -slave1 /tmp/gps1.pty
//
//	# Drop data for a consumer that lags more than 200ms, record raw traffic
//	serialtee -slave-write-timeout 200 -raw-log /var/log/gps.raw
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	serialtee "github.com/luhtfiimanal/go-serial-tee"
)

var (
	master        = flag.String("master", "/dev/ttyUSB0", "Path of the serial device to share")
	baudrate      = flag.Int("baudrate", 9600, "Baud rate of the master device")
	slave0        = flag.String("slave0", "slave0.pty", "Path exposing the first copy of the stream")
	slave1        = flag.String("slave1", "slave1.pty", "Path exposing the second copy of the stream")
	readTimeout   = flag.Int("master-read-timeout", 1000, "Master read timeout in milliseconds")
	writeTimeout  = flag.Int("slave-write-timeout", 1000, "Per-slave write timeout in milliseconds")
	rawLog        = flag.String("raw-log", "", "File path for the raw traffic log (CBOR format)")
	logPath       = flag.String("log-path", "", "File receiving a copy of the log output")
	configPath    = flag.String("config", "", "YAML config file; when set it replaces the other flags")
	statsInterval = flag.Duration("stats-interval", 0, "Interval between stats log lines, 0 disables")
	debugLog      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() (code int) {
	logger, closeLog, err := setupLogger(*logPath, *debugLog)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	// Convert any unrecoverable internal fault into a logged fatal error
	// before the process exits.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fatal internal fault", "panic", r, "stack", string(debug.Stack()))
			code = 1
		}
	}()

	cfg, err := buildConfig()
	if err != nil {
		logger.Error("configuration error", "error", err)
		return 1
	}

	tee, err := serialtee.NewTee(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *statsInterval > 0 {
		go statsLoop(ctx, tee, logger, *statsInterval)
	}

	tee.Run(ctx)
	return 0
}

// buildConfig assembles the immutable startup configuration, either from the
// YAML file or from the flags.
func buildConfig() (serialtee.Config, error) {
	if *configPath != "" {
		return serialtee.LoadConfig(*configPath)
	}
	cfg := serialtee.DefaultConfig()
	cfg.Device = *master
	cfg.BaudRate = *baudrate
	cfg.Slaves = []string{*slave0, *slave1}
	cfg.ReadTimeout = time.Duration(*readTimeout) * time.Millisecond
	cfg.WriteTimeout = time.Duration(*writeTimeout) * time.Millisecond
	cfg.RawLogPath = *rawLog
	return cfg, nil
}

// setupLogger builds a text logger on stderr and, when path is set, a
// combined one that also appends to a file.
func setupLogger(path string, debugLevel bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if debugLevel {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeLog = func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeLog, nil
}

// statsLoop periodically logs per-endpoint delivery counters.
func statsLoop(ctx context.Context, tee *serialtee.Tee, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := tee.Stats()
			for _, w := range s.Workers {
				logger.Info("endpoint stats",
					"endpoint", w.Endpoint,
					"delivered", w.Delivered,
					"bytes", humanize.Bytes(w.DeliveredBytes),
					"write_drops", w.WriteDrops,
					"overwrite_drops", w.OverwriteDrops,
					"published", s.Published,
				)
			}
		}
	}
}
