package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/client"
	"github.com/relaymesh/relay/internal/store"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("Warning: Could not load .env file:", err)
	}

	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:7002"
	}
	token := os.Getenv("RELAY_CLIENT_TOKEN")
	if token == "" {
		log.Fatal("FATAL: RELAY_CLIENT_TOKEN is not set")
	}
	topicsRaw := os.Getenv("RELAY_TOPICS")
	if topicsRaw == "" {
		topicsRaw = "policy"
	}
	topics := []string{}
	for _, t := range strings.Split(topicsRaw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}

	var policyStore store.PolicyStore
	if os.Getenv("RELAY_STORE") == "inmem" {
		policyStore = store.NewInmemStore()
		log.Println("using in-process policy store")
	} else {
		storeURL := os.Getenv("POLICY_STORE_URL")
		if storeURL == "" {
			storeURL = "http://localhost:8181"
		}
		policyStore = store.NewHTTPStore(storeURL)
		log.Println("using policy store at", storeURL)
	}

	fetcher := client.NewHTTPFetcher(serverURL, token)
	rec := client.NewReconciler(policyStore, fetcher)
	mgr := client.NewManager(serverURL, token, topics, rec)

	// Health/introspection endpoint for operators, on the client port.
	port := os.Getenv("RELAY_CLIENT_PORT")
	if port == "" {
		port = "7000"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.Status(200) })
	router.GET("/readyz", func(c *gin.Context) {
		if mgr.State() != client.StateSynced {
			c.JSON(http.StatusServiceUnavailable, gin.H{"state": mgr.State().String()})
			return
		}
		degraded := map[string]string{}
		for _, t := range topics {
			if err := rec.Degraded(t); err != nil {
				degraded[t] = err.Error()
			}
		}
		status := http.StatusOK
		if len(degraded) > 0 {
			status = http.StatusServiceUnavailable
		}
		positions := map[string]uint64{}
		for _, t := range topics {
			positions[t] = rec.LastDelivered(t)
		}
		c.JSON(status, gin.H{"state": mgr.State().String(), "positions": positions, "degraded": degraded})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		<-sigc
		log.Println("signal received, disconnecting...")
		cancel()
	}()

	log.Printf("relay client: server=%s topics=%v", serverURL, topics)
	err := mgr.Run(ctx)
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)

	var authErr *auth.AuthorizationError
	if errors.As(err, &authErr) {
		// Fresh credentials required; exit so the supervisor restarts us with
		// a new token.
		log.Fatalf("FATAL: %v", err)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("FATAL: %v", err)
	}
}
