// Package dummy serves minimal stand-ins for the four backends so a run can
// be exercised locally or from tests.
package dummy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type ServerConfig struct {
	Port int

	// Username/Password guard the registry and artifact endpoints; Token
	// guards the secrets endpoint. Empty values accept anything.
	Username string
	Password string
	Token    string

	Latency    time.Duration
	FailRate   float64
	LayerBytes int
	FileBytes  int
}

// Paths a client should be configured with when pointed at this server.
const (
	ArtifactPrefix = "/artifactory"
	LayerDigest    = "sha256:0f2c1e5bd8a4f7e96a63e4e8e0c3b1f8f5d2d7c3a1b9e8f7a6c5d4e3f2a1b0c9"
	SigningKey     = "stackload-dummy"
)

type server struct {
	cfg ServerConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// Handler returns the routing for every fake backend.
func Handler(cfg ServerConfig) http.Handler {
	if cfg.LayerBytes == 0 {
		cfg.LayerBytes = 1024
	}
	if cfg.FileBytes == 0 {
		cfg.FileBytes = 512
	}
	s := &server{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	mux := http.NewServeMux()

	// Registry
	mux.HandleFunc("GET /service/token", s.basic(s.registryToken))
	mux.HandleFunc("GET /v2/{project}/{image}/manifests/{tag}", s.basic(s.manifest))
	mux.HandleFunc("GET /v2/{project}/{image}/blobs/{digest}", s.basic(s.blob))

	// Artifact repository
	mux.HandleFunc("GET "+ArtifactPrefix+"/{path...}", s.basic(s.file))

	// Secrets store
	mux.HandleFunc("GET /v1/{path...}", s.secret)

	// Identity
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/token", s.token)

	return s.chaos(mux)
}

// Start serves Handler on cfg.Port in the background.
func Start(cfg ServerConfig, logger *zap.Logger) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: Handler(cfg),
	}

	logger.Info("dummy backends listening",
		zap.String("addr", addr),
		zap.Strings("endpoints", []string{"/service/token", "/v2/", ArtifactPrefix + "/", "/v1/", "/realms/"}),
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("dummy server failed", zap.Error(err))
		}
	}()
	return server
}

func (s *server) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// chaos adds the configured latency and random 500s ahead of every route.
func (s *server) chaos(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Latency > 0 {
			time.Sleep(s.cfg.Latency)
		}
		if s.cfg.FailRate > 0 && s.float() < s.cfg.FailRate {
			http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) basic(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Username != "" {
			if bearer := r.Header.Get("Authorization"); len(bearer) > 7 && bearer[:7] == "Bearer " {
				next(w, r)
				return
			}
			u, p, ok := r.BasicAuth()
			if !ok || u != s.cfg.Username || p != s.cfg.Password {
				http.Error(w, `{"errors":[{"code":"UNAUTHORIZED"}]}`, http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *server) registryToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"token":      "dummy-registry-token",
		"expires_in": 1800,
		"issued_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) manifest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
	json.NewEncoder(w).Encode(map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.docker.distribution.manifest.v2+json",
		"config": map[string]any{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"size":      1469,
			"digest":    "sha256:config",
		},
		"layers": []map[string]any{{
			"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
			"size":      s.cfg.LayerBytes,
			"digest":    LayerDigest,
		}},
	})
}

func (s *server) blob(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("digest") != LayerDigest {
		http.Error(w, `{"errors":[{"code":"BLOB_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(bytes.Repeat([]byte{0x1f}, s.cfg.LayerBytes))
}

func (s *server) file(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(bytes.Repeat([]byte{'a'}, s.cfg.FileBytes))
}

func (s *server) secret(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" && r.Header.Get("X-Vault-Token") != s.cfg.Token {
		http.Error(w, `{"errors":["permission denied"]}`, http.StatusForbidden)
		return
	}
	writeJSON(w, map[string]any{
		"request_id": "dummy",
		"data": map[string]any{
			"data":     map[string]string{"username": "svc", "password": "s3cr3t"},
			"metadata": map[string]any{"version": 1},
		},
	})
}

func (s *server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "password" {
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		return
	}
	if s.cfg.Username != "" &&
		(r.PostForm.Get("username") != s.cfg.Username || r.PostForm.Get("password") != s.cfg.Password) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid user credentials"}`))
		return
	}

	claims := jwt.MapClaims{
		"sub":       r.PostForm.Get("username"),
		"azp":       r.PostForm.Get("client_id"),
		"iss":       "http://" + r.Host + "/realms/" + r.PathValue("realm"),
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(5 * time.Minute).Unix(),
		"token_use": "access",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(SigningKey))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"access_token": signed,
		"expires_in":   300,
		"token_type":   "Bearer",
	})
}
