package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/solgammon/gammonrelay/relay"
)

func run() error {
	var (
		configPath = flag.String("config", "", "path to config file")
		dataDir    = flag.String("datadir", "", "override data directory")
		listen     = flag.String("listen", "", "override listen address")
		debugLevel = flag.String("debuglevel", "", "override debug level")
	)
	flag.Parse()

	if *configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		*configPath = filepath.Join(home, ".gammonrelay", "relayd.conf")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *debugLevel != "" {
		cfg.DebugLevel = *debugLevel
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}
	defer rotator.Close()
	backend := slog.NewBackend(io.MultiWriter(os.Stdout, rotator))

	level, ok := slog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return fmt.Errorf("unknown debug level %q", cfg.DebugLevel)
	}
	log := backend.Logger("RELY")
	log.SetLevel(level)

	srv, err := relay.NewServer(relay.ServerConfig{
		DataDir:    cfg.DataDir,
		ListenAddr: cfg.ListenAddr,
		Log:        log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down")
		return nil
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}
