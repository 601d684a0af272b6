// The engine daemon runs on every beacon: it analyzes local errors on an
// interval, applies Tier-1 fixes under the safety rules, raises
// escalations, and serves the control API the gateway proxies to.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wopr/fleet/internal/collector"
	"github.com/wopr/fleet/internal/config"
	"github.com/wopr/fleet/internal/engine"
	"github.com/wopr/fleet/internal/llm"
	"github.com/wopr/fleet/internal/notify"
	"github.com/wopr/fleet/internal/registry"
	"github.com/wopr/fleet/internal/safety"
)

const version = "1.2.0"

func main() {
	log.SetPrefix("[wopr-engine] ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadEngine()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	store, err := engine.OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("analysis db: %v", err)
	}
	defer store.Close()

	model := llm.NewClient(cfg.OllamaURL, cfg.OllamaModel)
	if !model.Reachable(context.Background()) {
		log.Printf("inference endpoint %s unreachable, pattern matching only until it recovers", cfg.OllamaURL)
	}

	notifier := buildNotifier(cfg)

	eng := engine.New(engine.Options{
		Store:          store,
		Collector:      collector.New(cfg.AuditDBs, cfg.CollectionWindow),
		Model:          model,
		Validator:      safety.NewValidator(cfg.MinConfidence),
		Notifier:       notifier,
		MaxAutoPerHour: cfg.MaxAutoPerHour,
	})

	sched := engine.NewScheduler(eng, cfg.ScanInterval)
	sched.Start()
	defer sched.Stop()

	if cfg.GatewayURL != "" {
		rc := registry.NewClient(cfg.GatewayURL, cfg.BeaconID, "", "http://"+hostAddr(cfg.Listen),
			version, time.Minute, sched.IsRunning)
		rc.Start()
		defer rc.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      engine.NewServer(eng, store, sched, model).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s (beacon %s, scan every %s)", cfg.Listen, cfg.BeaconID, cfg.ScanInterval)
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

func buildNotifier(cfg *config.Engine) notify.Notifier {
	var sinks notify.Multi
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.NotifyWebhookURL, cfg.BeaconID))
	}
	if cfg.NotifyRedisURL != "" {
		r, err := notify.NewRedis(cfg.NotifyRedisURL, cfg.BeaconID)
		if err != nil {
			log.Printf("redis notifier disabled: %v", err)
		} else {
			sinks = append(sinks, r)
		}
	}
	if len(sinks) == 0 {
		return notify.Nop{}
	}
	return sinks
}

// hostAddr turns a listen address into something the gateway can dial.
func hostAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		host, _ := os.Hostname()
		return host + listen
	}
	return listen
}
