package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/pubsub"
)

type handshake struct {
	ClientID string            `json:"client_id"`
	Accepted map[string]uint64 `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// Subscribe is the persistent push channel. The client presents its access
// token and a topic set; the server answers with a handshake event carrying
// per-topic acceptance and the current highest sequence, then streams update
// events in publish order with periodic heartbeat comments.
func (s *Server) Subscribe(c *gin.Context) {
	claims, err := s.Auth.Verify(BearerToken(c))
	if err != nil {
		RecordSubscribeReject("authorization")
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	topicsParam := c.Query("topics")
	topics := []string{}
	for _, t := range strings.Split(topicsParam, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = claims.Subject + "/" + uuid.NewString()
	}

	sub, err := s.Publisher.Subscribe(c.Request.Context(), clientID, claims, topics)
	if err != nil {
		var authErr *auth.AuthorizationError
		var unknownErr *pubsub.UnknownTopicError
		switch {
		case errors.As(err, &authErr):
			RecordSubscribeReject("authorization")
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "accepted": map[string]uint64{}})
		case errors.As(err, &unknownErr):
			RecordSubscribeReject("unknown_topic")
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	defer func() {
		s.Publisher.Unsubscribe(clientID)
		for _, t := range sub.Accepted {
			SetSubscribers(t, s.Publisher.SubscriberCount(t))
		}
	}()
	for _, t := range sub.Accepted {
		SetSubscribers(t, s.Publisher.SubscriberCount(t))
	}

	hs := handshake{ClientID: clientID, Accepted: map[string]uint64{}, Rejected: sub.Rejected}
	for _, t := range sub.Accepted {
		seq, err := s.History.LastSequence(c.Request.Context(), t)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		hs.Accepted[t] = seq
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.SSEvent("handshake", hs)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	// Hard cutoff at token expiry: long-lived connections do not outlive the
	// credential that authorized them.
	expiry := time.NewTimer(time.Until(claims.ExpiresAt))
	defer expiry.Stop()

	log.Printf("api: client %s subscribed to %v", clientID, sub.Accepted)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-expiry.C:
			c.SSEvent("goodbye", gin.H{"reason": "token expired"})
			c.Writer.Flush()
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case e, ok := <-sub.Events:
			if !ok {
				// Dropped as a slow consumer.
				return
			}
			c.SSEvent("update", e)
			c.Writer.Flush()
		}
	}
}

func verifyWebhookSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, prefix)))
}
