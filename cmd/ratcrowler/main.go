// Package main wires together the ratcrowler crawl service binary.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/app"
	"github.com/TheBoringRats/ratcrowler/internal/clock/system"
	"github.com/TheBoringRats/ratcrowler/internal/config"
	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/progress"
)

// Exit codes per the process contract.
const (
	exitClean     = 0
	exitScheduler = 1
	exitStore     = 2
	exitConfig    = 3
)

const secondSignalWindow = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	showStatus := flag.Bool("status", false, "Print the current progress record and exit")
	reset := flag.Bool("reset", false, "Clear crawl progress and exit")
	yes := flag.Bool("yes", false, "Skip the confirmation prompt for --reset")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// Status and reset only need the progress file location, so they
		// still work on a host without database credentials configured.
		if *showStatus || *reset {
			cfg.Progress.File = "crawl_progress.json"
		} else {
			fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
			return exitConfig
		}
	}

	if *showStatus {
		return printStatus(cfg)
	}
	if *reset {
		return resetProgress(cfg, *yes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		var se *crawler.StoreError
		if errors.As(err, &se) {
			return exitStore
		}
		return exitScheduler
	}
	defer application.Close()

	logger := application.Logger

	// First signal drains; a second one within the window exits immediately
	// after a best-effort progress flush.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received; draining")
		cancel()
		select {
		case <-sigCh:
			logger.Warn("second signal; exiting immediately")
			flushAndExit(application)
		case <-time.After(secondSignalWindow):
			// Past the window, further signals just repeat the drain.
		}
	}()

	if err := application.Run(ctx); err != nil {
		logger.Error("crawler stopped with error", zap.Error(err))
		if errors.Is(err, crawler.ErrNoCapacity) || crawler.IsStoreError(err) {
			return exitStore
		}
		return exitScheduler
	}
	logger.Info("crawler stopped cleanly")
	return exitClean
}

func flushAndExit(application *app.App) {
	p := application.Tracker.Snapshot()
	p.Running = false
	if err := application.Tracker.Commit(p); err != nil {
		fmt.Fprintf(os.Stderr, "progress flush failed: %v\n", err)
	}
	application.Close()
	os.Exit(exitClean)
}

func printStatus(cfg config.Config) int {
	tracker := progress.NewTracker(cfg.Progress.File, system.New(), zap.NewNop())
	p := tracker.Load()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal progress failed: %v\n", err)
		return exitScheduler
	}
	fmt.Println(string(data))
	return exitClean
}

func resetProgress(cfg config.Config, skipPrompt bool) int {
	if !skipPrompt {
		fmt.Printf("Clear crawl progress in %s? [y/N]: ", cfg.Progress.File)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("aborted")
			return exitClean
		}
	}
	tracker := progress.NewTracker(cfg.Progress.File, system.New(), zap.NewNop())
	if err := tracker.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		return exitScheduler
	}
	fmt.Println("progress cleared")
	return exitClean
}
