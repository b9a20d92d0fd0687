package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/relay/internal/api"
	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/detect"
	"github.com/relaymesh/relay/internal/history"
	"github.com/relaymesh/relay/internal/pubsub"
	"github.com/relaymesh/relay/internal/worker"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("Warning: Could not load .env file:", err)
	}

	port := os.Getenv("RELAY_PORT")
	if port == "" {
		port = "7002"
	}

	authSvc, err := auth.NewFromEnv()
	if err != nil {
		log.Fatalf("FATAL: auth keys: %v", err)
	}

	var bus pubsub.Bus
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nb, err := pubsub.NewNatsBus(natsURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		bus = nb
		log.Println("using NATS bus at", natsURL)
	} else {
		bus = pubsub.NewLocalBus()
	}
	defer bus.Close()

	retain := 64
	if v := os.Getenv("RELAY_HISTORY_RETAIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retain = n
		}
	}
	var store history.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pg, err := history.ConnectPostgres(dbURL, retain)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer pg.Close()
		store = pg
		log.Println("bundle history persisted to Postgres")
	} else {
		store = history.NewMemory(retain)
		log.Println("bundle history in memory (set DATABASE_URL to persist)")
	}

	var detector *detect.Detector
	publisher := pubsub.NewPublisher(bus,
		func(ctx context.Context, topic string) bool { return detector.KnownTopic(ctx, topic) },
		pubsub.WithPublishHook(api.RecordPublish),
		pubsub.WithDropHook(func(_, topic string) { api.RecordSlowDrop(topic) }),
	)
	defer publisher.Close()

	detector = detect.New(store, publisher)
	detector.OnCycle(api.RecordDetectCycle)

	repoDir := os.Getenv("RELAY_REPO_DIR")
	if repoDir == "" {
		repoDir = "./policy-repo"
	}
	if err := detector.Watch(detect.NewRepoSource("policy-repo", "policy", repoDir)); err != nil {
		log.Fatalf("FATAL: watch policy repo: %v", err)
	}
	// Extra data sources: comma-separated topic=url pairs
	if raw := os.Getenv("RELAY_DATA_SOURCES"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			topic, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || topic == "" || url == "" {
				log.Printf("warning: skipping malformed data source %q", pair)
				continue
			}
			src := detect.NewHTTPSource(topic, "data/"+topic, url, "/"+topic)
			if err := detector.Watch(src); err != nil {
				log.Fatalf("FATAL: watch %s: %v", topic, err)
			}
		}
	}

	var syncer worker.RepoSyncer = worker.NoopSyncer{}
	if repoURL := os.Getenv("POLICY_REPO_URL"); repoURL != "" {
		gs, err := worker.NewGitSyncer(repoURL, repoDir, os.Getenv("POLICY_REPO_BRANCH"), os.Getenv("POLICY_REPO_SSH_KEY"))
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		syncer = gs
	}

	queue := worker.NewQueue(func(ctx context.Context, j worker.Job) error {
		if j.Kind == "sync" {
			if err := syncer.Sync(ctx); err != nil {
				return err
			}
		}
		return detector.Trigger(ctx, j.Source)
	})
	queue.OnDLQ(api.RecordDLQInsert)
	queue.OnPending(api.SetQueuePending)

	wctx, wcancel := context.WithCancel(context.Background())
	defer wcancel()
	queue.Start(wctx)

	interval := os.Getenv("RELAY_DETECT_INTERVAL")
	if interval == "" {
		interval = "@every 30s"
	}
	stopCron, err := detector.Start(interval)
	if err != nil {
		log.Fatalf("FATAL: bad RELAY_DETECT_INTERVAL %q: %v", interval, err)
	}
	defer stopCron()

	// Seed sequence numbers before accepting subscribers.
	detector.Detect(context.Background())

	server := api.NewServer(authSvc, publisher, store, detector, queue)
	router := server.Router()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Println("Starting relay server on :" + port + "...")
	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Println("signal received, shutting down...")
	wcancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
