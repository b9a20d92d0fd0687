package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthorizationError marks a token problem that is fatal to the current
// session: the caller must obtain fresh credentials before retrying.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "authorization failed: " + e.Reason }

var ErrNoSigningKey = errors.New("auth: signing key not configured")

// Claims is the verified identity carried by an access token.
type Claims struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
}

// Allows reports whether any scope pattern grants the given topic. Scopes are
// glob patterns over hierarchical topic paths ("policy", "data/*", "**").
func (c Claims) Allows(topic string) bool {
	for _, s := range c.Scopes {
		g, err := glob.Compile(s, '/')
		if err != nil {
			continue
		}
		if g.Match(topic) {
			return true
		}
	}
	return false
}

// Service issues and verifies Ed25519-signed access tokens. Verification
// accepts tokens signed by the previous key until the rotation grace window
// elapses, then rejects them.
type Service struct {
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	kid        string
	prevPub    ed25519.PublicKey
	rotatedAt  time.Time
	graceUntil time.Time
}

// New builds a Service from raw key material. priv may be nil on verify-only
// deployments (clients never issue).
func New(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Service {
	s := &Service{priv: priv, pub: pub}
	if pub != nil {
		sum := sha256.Sum256(pub)
		s.kid = base64.RawURLEncoding.EncodeToString(sum[:8])
	}
	return s
}

// NewFromEnv reads AUTH_PRIVATE_KEY / AUTH_PUBLIC_KEY (base64url or std base64;
// private accepts seed or full key) and optionally AUTH_PREVIOUS_PUBLIC_KEY.
func NewFromEnv() (*Service, error) {
	var priv ed25519.PrivateKey
	if enc := os.Getenv("AUTH_PRIVATE_KEY"); enc != "" {
		raw, err := decodeB64(enc)
		if err != nil {
			return nil, fmt.Errorf("AUTH_PRIVATE_KEY: %w", err)
		}
		switch len(raw) {
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			priv = ed25519.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("AUTH_PRIVATE_KEY: invalid length %d", len(raw))
		}
	}
	var pub ed25519.PublicKey
	if enc := os.Getenv("AUTH_PUBLIC_KEY"); enc != "" {
		raw, err := decodeB64(enc)
		if err != nil {
			return nil, fmt.Errorf("AUTH_PUBLIC_KEY: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("AUTH_PUBLIC_KEY: invalid length %d", len(raw))
		}
		pub = ed25519.PublicKey(raw)
	}
	if pub == nil && priv != nil {
		pub = priv.Public().(ed25519.PublicKey)
	}
	if pub == nil {
		return nil, ErrNoSigningKey
	}
	svc := New(priv, pub)
	if enc := os.Getenv("AUTH_PREVIOUS_PUBLIC_KEY"); enc != "" {
		if raw, err := decodeB64(enc); err == nil && len(raw) == ed25519.PublicKeySize {
			grace := 24 * time.Hour
			if d, err := time.ParseDuration(os.Getenv("AUTH_ROTATION_GRACE")); err == nil && d > 0 {
				grace = d
			}
			svc.Rotate(ed25519.PublicKey(raw), grace)
		}
	}
	return svc, nil
}

// Rotate records the previous public key and the grace window during which
// tokens signed by it are still accepted.
func (s *Service) Rotate(previous ed25519.PublicKey, grace time.Duration) {
	s.prevPub = previous
	s.rotatedAt = time.Now()
	s.graceUntil = s.rotatedAt.Add(grace)
}

// Issue signs an access token for subject with the given topic scope patterns.
func (s *Service) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if s.priv == nil {
		return "", ErrNoSigningKey
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
		"jti":    uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.priv)
}

// Verify checks signature, expiry and well-formedness. Tokens signed by the
// previous key verify only while the grace window is open. All failures are
// AuthorizationError.
func (s *Service) Verify(token string) (Claims, error) {
	c, err := s.verifyWith(token, s.pub)
	if err == nil {
		return c, nil
	}
	if s.prevPub != nil && time.Now().Before(s.graceUntil) {
		if c, perr := s.verifyWith(token, s.prevPub); perr == nil {
			return c, nil
		}
	}
	return Claims{}, err
}

func (s *Service) verifyWith(token string, pub ed25519.PublicKey) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected alg %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, &AuthorizationError{Reason: err.Error()}
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, &AuthorizationError{Reason: "malformed claims"}
	}
	sub, _ := mc["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Claims{}, &AuthorizationError{Reason: "missing subject"}
	}
	out := Claims{Subject: sub}
	if raw, ok := mc["scopes"].([]any); ok {
		for _, v := range raw {
			if sc, ok := v.(string); ok && sc != "" {
				out.Scopes = append(out.Scopes, sc)
			}
		}
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
