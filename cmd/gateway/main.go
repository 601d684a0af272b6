// The gateway daemon runs centrally: beacon registry, tier-gated support
// API, escalation aggregation, breakglass lifecycle and the audit trail.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/wopr/fleet/internal/audit"
	"github.com/wopr/fleet/internal/config"
	"github.com/wopr/fleet/internal/gateway"
	"github.com/wopr/fleet/internal/registry"
)

func main() {
	log.SetPrefix("[wopr-gateway] ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("database unreachable: %v", err)
	}
	db.SetMaxOpenConns(20)
	defer db.Close()

	auditLog, err := audit.NewWithDB(db)
	if err != nil {
		log.Fatalf("audit store: %v", err)
	}
	reg, err := registry.NewWithDB(db)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	sessions, err := gateway.NewPostgresSessions(db)
	if err != nil {
		log.Fatalf("breakglass store: %v", err)
	}
	catalogue, err := gateway.LoadCatalogue(cfg.ActionsFile)
	if err != nil {
		log.Fatalf("action catalogue: %v", err)
	}

	ca := gateway.NewCAClient(cfg.SSHCAURL)
	breakglass := gateway.NewBreakglassManager(sessions, ca, cfg.BreakglassMaxMinutes, cfg.BreakglassDefaultMinutes)
	breakglass.StartSweeper()
	defer breakglass.StopSweeper()

	// Beacons silent for three heartbeat intervals are flagged offline.
	sweepStop := make(chan struct{})
	go sweepOffline(reg, 3*cfg.HeartbeatInterval, sweepStop)
	defer close(sweepStop)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      gateway.NewServer(reg, auditLog, breakglass, catalogue, ca).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.Listen)
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

func sweepOffline(reg *registry.Registry, cutoff time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n, err := reg.SweepOffline(context.Background(), cutoff); err != nil {
				log.Printf("offline sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("marked %d beacons offline", n)
			}
		}
	}
}
