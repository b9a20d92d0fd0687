package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/detect"
	"github.com/relaymesh/relay/internal/history"
	"github.com/relaymesh/relay/internal/pubsub"
	"github.com/relaymesh/relay/internal/worker"
)

// Server wires the HTTP surface: the client-facing subscription endpoint, the
// bundle pull endpoint, token issuance, and the repo webhook.
type Server struct {
	Auth      *auth.Service
	Publisher *pubsub.Publisher
	History   history.Store
	Detector  *detect.Detector
	Queue     *worker.Queue

	heartbeat time.Duration
	master    string
}

func NewServer(a *auth.Service, p *pubsub.Publisher, h history.Store, d *detect.Detector, q *worker.Queue) *Server {
	hb := 20 * time.Second
	if v := os.Getenv("RELAY_HEARTBEAT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			hb = time.Duration(ms) * time.Millisecond
		}
	}
	return &Server{
		Auth:      a,
		Publisher: p,
		History:   h,
		Detector:  d,
		Queue:     q,
		heartbeat: hb,
		master:    os.Getenv("RELAY_MASTER_TOKEN"),
	}
}

// Router builds the gin engine and mounts all routes.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	if _, ok := SetupOTelFromEnv(); ok {
		router.Use(otelgin.Middleware("relay-server"))
	}
	router.Use(MetricsMiddleware())
	router.Use(RequestIDMiddleware())
	config := cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if origins := os.Getenv("RELAY_CORS_ORIGINS"); origins != "" {
		config.AllowAllOrigins = false
		parts := strings.Split(origins, ",")
		allow := make([]string, 0, len(parts))
		for _, p := range parts {
			if v := strings.TrimSpace(p); v != "" {
				allow = append(allow, v)
			}
		}
		if len(allow) > 0 {
			config.AllowOrigins = allow
		}
	}
	router.Use(cors.New(config))

	router.GET("/healthz", func(c *gin.Context) { c.Status(200) })
	router.GET("/readyz", s.Readyz)

	v1 := router.Group("/v1")
	{
		v1.GET("/subscribe", s.Subscribe)
		v1.GET("/bundles/*topic", s.GetBundle)
		v1.GET("/topics", s.ListTopics)
		v1.POST("/webhook", s.Webhook)
	}
	router.POST("/v1/token", MasterTokenMiddleware(s.master), s.IssueToken)
	return router
}

func (s *Server) Readyz(c *gin.Context) {
	topics, err := s.History.Topics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "topics": len(topics)})
}

type issueTokenRequest struct {
	Subject    string   `json:"subject"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int      `json:"ttl_seconds"`
}

// IssueToken mints a scoped access token. Guarded by the master token.
func (s *Server) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Subject) == "" || len(req.Scopes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject and scopes required"})
		return
	}
	ttl := time.Hour
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	tok, err := s.Auth.Issue(req.Subject, req.Scopes, ttl)
	if err != nil {
		RecordTokenIssue(false)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	RecordTokenIssue(true)
	c.JSON(http.StatusOK, gin.H{"token": tok, "expires_in": int(ttl.Seconds())})
}

// ListTopics reports every known topic and its highest published sequence.
func (s *Server) ListTopics(c *gin.Context) {
	out := map[string]uint64{}
	for _, t := range s.Detector.Topics() {
		out[t] = 0
	}
	published, err := s.History.Topics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, t := range published {
		out[t] = 0
	}
	for t := range out {
		if seq, err := s.History.LastSequence(c.Request.Context(), t); err == nil {
			out[t] = seq
		}
	}
	c.JSON(http.StatusOK, gin.H{"topics": out})
}

// GetBundle is the pull side of the wire contract: latest bundle for full
// sync, or the retained range after ?since= for incremental recovery. 410
// signals the range was pruned and the client must full-sync.
func (s *Server) GetBundle(c *gin.Context) {
	topic := strings.Trim(c.Param("topic"), "/")
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic required"})
		return
	}
	claims, err := s.Auth.Verify(BearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if !claims.Allows(topic) {
		c.JSON(http.StatusForbidden, gin.H{"error": "topic not in token scope"})
		return
	}
	if v := c.Query("since"); v != "" {
		since, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad since"})
			return
		}
		bundles, rerr := s.History.Range(c.Request.Context(), topic, since)
		if errors.Is(rerr, history.ErrPruned) {
			c.JSON(http.StatusGone, gin.H{"error": "history pruned, full sync required"})
			return
		}
		if rerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": rerr.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"topic": topic, "bundles": bundles})
		return
	}
	b, ok, err := s.History.Latest(c.Request.Context(), topic)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no bundle published for topic"})
		return
	}
	c.JSON(http.StatusOK, b)
}

// Webhook ingests a repository change notification, verifies its HMAC
// signature, and queues the repo sync off the request path.
func (s *Server) Webhook(c *gin.Context) {
	secret := os.Getenv("RELAY_WEBHOOK_SECRET")
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if secret != "" {
		sig := c.GetHeader("X-Hub-Signature-256")
		if !verifyWebhookSignature(secret, body, sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}
	}
	source := c.Query("source")
	if source == "" {
		source = "policy-repo"
	}
	job := worker.Job{Kind: "sync", Source: source}
	if err := s.Queue.Enqueue(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "source": source})
}
