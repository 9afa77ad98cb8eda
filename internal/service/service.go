// Package service exposes the daemon's control surface: a small HTTP+JSON
// API for adding and steering torrents, plus prometheus metrics.
package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjjh89017/ezio/internal/daemon"
	"github.com/tjjh89017/ezio/internal/logger"
	"github.com/tjjh89017/ezio/internal/repository"
)

// Service serves the control API on one listener.
type Service struct {
	daemon *daemon.Daemon
	server *http.Server
}

// New builds the router and binds it to addr.
func New(d *daemon.Daemon, addr string) *Service {
	s := &Service{daemon: d}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Router returns the control API handler.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/torrents", s.handleAddTorrent)
	r.Get("/torrents", s.handleTorrentStatus)
	r.Post("/torrents/{hash}/pause", s.handlePause)
	r.Post("/torrents/{hash}/resume", s.handleResume)
	r.Get("/version", s.handleVersion)
	r.Post("/shutdown", s.handleShutdown)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.daemon.Engine().Registry(), promhttp.HandlerOpts{}))

	return r
}

// Start serves until Stop. It blocks.
func (s *Service) Start() error {
	logger.Infof("control service listening on %s", s.server.Addr)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Service) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type addTorrentRequest struct {
	Torrent        string `json:"torrent"` // base64-encoded torrent body
	SavePath       string `json:"save_path"`
	SeedingMode    bool   `json:"seeding_mode"`
	MaxUploads     int    `json:"max_uploads"`
	MaxConnections int    `json:"max_connections"`
}

type addTorrentResponse struct {
	Hash string `json:"hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	var req addTorrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Torrent == "" || req.SavePath == "" {
		writeError(w, http.StatusBadRequest, errors.New("torrent and save_path are required"))
		return
	}

	body, err := base64.StdEncoding.DecodeString(req.Torrent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	hash, err := s.daemon.AddTorrent(body, req.SavePath, req.SeedingMode, req.MaxUploads, req.MaxConnections)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, daemon.ErrTorrentExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, addTorrentResponse{Hash: hash})
}

func (s *Service) handleTorrentStatus(w http.ResponseWriter, r *http.Request) {
	hashes := r.URL.Query()["hash"]
	writeJSON(w, http.StatusOK, map[string]any{
		"torrents": s.daemon.TorrentStatus(hashes),
	})
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	s.torrentAction(w, r, s.daemon.PauseTorrent)
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	s.torrentAction(w, r, s.daemon.ResumeTorrent)
}

func (s *Service) torrentAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	hash := chi.URLParam(r, "hash")

	if err := action(hash); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrTorrentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.daemon.Version()})
}

func (s *Service) handleShutdown(w http.ResponseWriter, r *http.Request) {
	logger.Infof("shutdown requested over control API")
	s.daemon.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
