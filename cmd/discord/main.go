package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "voice-warden/internal/command/join"
	_ "voice-warden/internal/command/voice"

	"voice-warden/internal/config"
	"voice-warden/internal/discord"
	"voice-warden/internal/journal"
	"voice-warden/internal/state"
	"voice-warden/internal/storage"
	v "voice-warden/internal/version"
)

func main() {
	log.Printf("[INFO] Starting %v...", v.AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		log.Fatal(err)
	}

	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	jrnl, err := journal.New(ctx, cfg.JournalPath)
	if err != nil {
		log.Fatal(err)
	}
	// Close blocks until the journal's autosave loop exits, which it only
	// does on cancellation; both shutdown paths below cancel first.
	defer jrnl.Close()

	store := state.NewStore()

	errCh := make(chan error, 1)
	go func() {
		if err := discord.StartBot(ctx, cfg, store, db, jrnl); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Printf("[INFO] Received signal %s, shutting down...", s)
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Println("[ERR] Discord bot error:", err)
		}
		cancel()
	}

	log.Println("[INFO] Discord bot exited cleanly")
}
