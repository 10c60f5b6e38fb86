package server

import (
	"net/http"

	"recall/internal/metrics"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check and metrics.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Sessions.
	mux.HandleFunc("POST /v1/auth/signin", s.handleSignIn)
	mux.Handle("POST /v1/auth/signout", s.withAuth(http.HandlerFunc(s.handleSignOut)))

	// Replication.
	mux.Handle("POST /v1/mutations", s.withAuth(http.HandlerFunc(s.handleMutation)))
	mux.Handle("GET /v1/changes/{entityType}", s.withAuth(http.HandlerFunc(s.handleChanges)))

	return mux
}
