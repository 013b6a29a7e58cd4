// Package server exposes the entity store over HTTP. Clients authenticate by
// signing a login challenge with their Ed25519 key and receive a short-lived
// JWT; everything the server stores is ciphertext or access metadata, so a
// compromised server can deny service but never read secrets.
package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"envault/internal/audit"
	"envault/internal/auth"
	"envault/internal/store"

	"golang.org/x/time/rate"
)

type Server struct {
	cfg Config

	mux      *http.ServeMux
	signer   *auth.JWTSigner
	entities store.RemoteStore
	logger   *log.Logger
	audit    *audit.Log

	rlLoginIP  *multiLimiter
	rlLoginKey *multiLimiter
	rlWriteKey *multiLimiter
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg.setDefaults()

	var entities store.RemoteStore
	if cfg.MongoURI != "" {
		ms, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB, cfg.EntitiesCollection)
		if err != nil {
			return nil, err
		}
		entities = ms
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
		entities = store.NewFileStore(cfg.DataDir)
	}

	priv, _, err := auth.GenerateEd25519()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		signer:   auth.NewJWTSigner(priv, cfg.JWTIssuer, cfg.TokenTTL),
		entities: entities,
		logger:   log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile),
		audit:    audit.New(),
	}

	perWindow := func(n int, window time.Duration) float64 { return float64(n) / window.Seconds() }

	s.rlLoginIP = newMultiLimiter(rate.Limit(perWindow(20, time.Minute)), 20, 1*time.Hour)
	s.rlLoginKey = newMultiLimiter(rate.Limit(perWindow(10, time.Minute)), 10, 1*time.Hour)
	s.rlWriteKey = newMultiLimiter(rate.Limit(perWindow(300, time.Minute)), 50, 10*time.Minute)

	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("panic: %v", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	s.addDefaultHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") && !s.isPublic(path) {
		handler := auth.AuthRequired(s.signer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		}))
		handler.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s
}

func (s *Server) isPublic(path string) bool {
	switch path {
	case "/health", "/api/health", "/api/login", "/api/register":
		return true
	default:
		return false
	}
}

func (s *Server) addDefaultHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
}
