package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"
)

// Version is the node software version reported to peers.
const Version = "0.3.0"

func main() {
	if err := corechainMain(); err != nil {
		// Help output has already been printed by go-flags.
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// corechainMain is the real main function. It is separate so deferred
// cleanup runs before os.Exit.
func corechainMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile := filepath.Join(cfg.LogDir, DefaultLogFilename)
	if err := initLogRotator(logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles); err != nil {
		return err
	}
	defer logRotator.Close()

	dmonLog.Infof("Version %s on %s, data in %s", Version, cfg.params.Name, cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := NewDaemon(cfg.daemonConfig())
	if err != nil {
		dmonLog.Errorf("Unable to create daemon: %v", err)
		return err
	}
	defer d.Stop()

	if err := d.Start(); err != nil {
		dmonLog.Errorf("Unable to start daemon: %v", err)
		return err
	}

	if node := d.Node(); node != nil {
		for _, addr := range node.FullMultiaddrs() {
			dmonLog.Infof("Listening on %s", addr)
		}
	}

	if cfg.Mining.Enable {
		if err := d.StartMining(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	dmonLog.Info("Received shutdown signal")
	return nil
}
