// The sshca daemon signs short-lived, tier-scoped SSH user certificates
// for the support gateway.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wopr/fleet/internal/config"
	"github.com/wopr/fleet/internal/sshca"
)

func main() {
	log.SetPrefix("[wopr-sshca] ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadCA()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	signer, err := sshca.LoadSigner(cfg.KeyPath, cfg.Generate)
	if err != nil {
		log.Fatalf("ca key: %v", err)
	}

	sessions, err := sshca.OpenSessions(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store: %v", err)
	}
	defer sessions.Close()

	ca := sshca.New(signer, sessions, cfg)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      sshca.NewServer(ca).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("listening on %s (key %s)", cfg.Listen, cfg.KeyPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
