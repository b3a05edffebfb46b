// Package main is the command-line entry point for stageaudio.
//
// It loads the configuration, plays a music track and optionally an effect,
// and keeps running until interrupted. Edits to the config file are applied
// while it runs.
//
// Build:
//
//	go build -o build/stageaudio ./cmd
//
// Run:
//
//	./build/stageaudio -config audio.yaml -music music/theme.ogg
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinystage/stageaudio/internal/app"
	"github.com/tinystage/stageaudio/internal/config"
	"github.com/tinystage/stageaudio/internal/service"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a yaml, json or toml config file")
		music      = flag.String("music", "", "music source to play, relative to assets_dir")
		effect     = flag.String("effect", "", "effect source to play once after the music starts")
		fadeIn     = flag.Duration("fade", time.Second, "music fade-in duration")
		fadeOut    = flag.Duration("fade-out", 500*time.Millisecond, "music fade-out duration on exit")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(app.GetVersionInfo().FullString())
		return
	}

	manager, err := config.NewManager(*configPath, nil)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.NewApplication(manager.Config())
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	application.Watch(manager)

	// Ensure a graceful shutdown
	defer func() {
		if err := application.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, application, *music, *effect, *fadeIn); err != nil {
		application.Logger().Error("playback failed", slog.Any("error", err))
		return
	}

	<-ctx.Done()
	application.Logger().Info("interrupted, fading out")

	// The signal context is done; give the fade its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *fadeOut+time.Second)
	defer cancel()
	if err := application.Music().Stop(shutdownCtx, *fadeOut); err != nil {
		application.Logger().Warn("music fade-out interrupted", slog.Any("error", err))
	}
}

func run(ctx context.Context, application *app.Application, music, effect string, fadeIn time.Duration) error {
	if music == "" && effect == "" {
		return errors.New("nothing to play: pass -music or -effect")
	}

	if music != "" {
		if err := application.Music().Play(ctx, service.WithSource(music), service.WithFade(fadeIn)); err != nil {
			return fmt.Errorf("play music %s: %w", music, err)
		}
		if info, ok := application.Music().NowPlaying(); ok {
			application.Logger().Info("now playing",
				slog.String("title", info.Title),
				slog.String("artist", info.Artist),
				slog.Duration("duration", info.Duration))
		}
	}

	if effect != "" {
		if _, err := application.Effects().Play(ctx, effect); err != nil {
			return fmt.Errorf("play effect %s: %w", effect, err)
		}
	}
	return nil
}
