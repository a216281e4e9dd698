package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"officemon/internal/config"
	"officemon/internal/notify"
	"officemon/internal/queue"
	"officemon/internal/reconcile"
	"officemon/internal/recognizer"
	"officemon/internal/store"
)

// Worker consumes observation messages, drives the attendance reconciler, and
// runs the idle-exit sweep. With RECOGNIZER_POLL set it also polls the vision
// service for detections instead of waiting for pushes.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "officemon:observations")
	}

	repo := reconcile.NewRepository(db.Client)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	feed := notify.NewRedis(redisClient.Client, cfg.ActivityChannel)
	svc := reconcile.NewService(repo, feed, cfg.CooldownWindow, cfg.JitterTolerance, time.Now)

	vision := recognizer.New(cfg.RecognizerURL, cfg.RecognizerSkip)
	if cfg.RecognizerPoll {
		if err := vision.Health(ctx); err != nil {
			log.Printf("WARNING: vision service not available: %v", err)
		}
		go pollDetections(ctx, vision, q, cfg.PollInterval)
	}

	go runSweep(ctx, svc, cfg.SweepInterval)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for observations...")
	for msg := range messages {
		if msg.Type != "observation" {
			continue
		}

		var obs reconcile.Observation
		if err := json.Unmarshal(msg.Body, &obs); err != nil {
			log.Printf("bad observation payload: %v", err)
			continue
		}

		event, err := svc.Observe(ctx, obs)
		if err != nil {
			log.Printf("observe %s failed: %v", obs.Identity, err)
			continue
		}
		if event != reconcile.EventNone {
			log.Printf("%s: %s at %s", obs.Identity, event, obs.Timestamp.Format(time.RFC3339))
		}
	}

	// No more observations can arrive; close whatever is still open so the
	// day's records end with a real exit time.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if n, err := svc.Shutdown(closeCtx); err != nil {
		log.Printf("shutdown close failed: %v", err)
	} else if n > 0 {
		log.Printf("closed %d open session(s) on shutdown", n)
	}

	log.Println("worker stopped")
}

func runSweep(ctx context.Context, svc *reconcile.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := svc.Sweep(ctx, now)
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("sweep closed %d idle session(s)", n)
			}
		}
	}
}

func pollDetections(ctx context.Context, vision *recognizer.Client, q queue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			detections, err := vision.Detections(ctx)
			if err != nil {
				log.Printf("detections poll failed: %v", err)
				continue
			}
			for _, d := range detections {
				obs := reconcile.Observation{Identity: d.Identity, Timestamp: d.Timestamp, Action: d.Action}
				msg, err := queue.NewMessage("observation", obs)
				if err != nil {
					continue
				}
				if err := q.Publish(ctx, msg); err != nil {
					log.Printf("queue publish failed: %v", err)
				}
			}
		}
	}
}
