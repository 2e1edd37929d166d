package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/solgammon/gammonrelay/client"
	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/ledger"
	"github.com/solgammon/gammonrelay/soltx"
)

func run() error {
	var (
		configPath = flag.String("config", "", "path to config file")
		relayURL   = flag.String("relay", "", "override relay URL")
		ledgerURL  = flag.String("ledger", "", "override ledger gateway URL")
		sessionID  = flag.String("session", "", "override session id (hex)")
	)
	flag.Parse()

	if *configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		*configPath = filepath.Join(home, ".gammonrelay", "gammoncli.conf")
	}
	cfg, err := loadClientConfig(*configPath)
	if err != nil {
		return err
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *ledgerURL != "" {
		cfg.LedgerURL = *ledgerURL
	}
	if *sessionID != "" {
		cfg.SessionID = *sessionID
	}
	if cfg.SeedHex == "" {
		return fmt.Errorf("seed_hex not set in %s", *configPath)
	}
	if cfg.SessionID == "" || cfg.ProgramID == "" {
		return fmt.Errorf("session_id and program_id are required")
	}

	kp, err := soltx.KeypairFromSeedHex(cfg.SeedHex)
	if err != nil {
		return err
	}
	var session, program gammon.ID
	if err := session.FromString(cfg.SessionID); err != nil {
		return err
	}
	if err := program.FromString(cfg.ProgramID); err != nil {
		return err
	}

	// The terminal belongs to the UI; logs go to the file only.
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0700); err != nil {
		return err
	}
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer logFile.Close()
	backend := slog.NewBackend(logFile)
	level, ok := slog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return fmt.Errorf("unknown debug level %q", cfg.DebugLevel)
	}
	newLog := func(tag string) slog.Logger {
		l := backend.Logger(tag)
		l.SetLevel(level)
		return l
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authority := ledger.NewRPCClient(cfg.LedgerURL, newLog("LDGR"))
	watcher := ledger.NewWatcher(newLog("WTCH"), authority,
		time.Duration(cfg.PollIntervalMillis)*time.Millisecond)

	link, err := client.DialRelay(ctx, newLog("LINK"), cfg.RelayURL, session, kp.Pub)
	if err != nil {
		return err
	}
	defer link.Close()

	meta := client.NewMetadataClient(cfg.RelayURL)
	engine, err := client.NewEngine(client.Config{
		Log:                 newLog("ENGN"),
		Keypair:             kp,
		SessionKey:          session,
		Program:             program,
		Authority:           authority,
		Link:                link,
		Watcher:             watcher,
		Meta:                meta,
		InactivityThreshold: time.Duration(cfg.InactivityMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}

	app := newAppstate(engine, authority, meta, kp, session, program, newLog("UI"))
	prog := tea.NewProgram(app, tea.WithAltScreen())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := engine.Run(gctx)
		if err != nil && gctx.Err() == nil {
			prog.Quit()
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer stop()
		_, err := prog.Run()
		return err
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gammoncli: %v\n", err)
		os.Exit(1)
	}
}
