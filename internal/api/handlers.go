// Package api serves a commit authority over HTTP: tree and blob reads,
// blob uploads, commits, the commit journal and a websocket of tree events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quire/internal/commit"
	"quire/internal/errors"
	"quire/internal/logging"
	"quire/internal/middleware"
	"quire/internal/source"
	"quire/internal/validation"
	shared "quire/shared/types"
)

// Options configures the middleware around the routes.
type Options struct {
	Secret string
	RPS    float64
	Burst  int
}

type Server struct {
	authority *commit.Authority
	logger    *logging.Logger
	upgrader  websocket.Upgrader
}

func NewServer(authority *commit.Authority, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		authority: authority,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes registers every endpoint without middleware.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.Health)
	mux.HandleFunc("GET /api/tree", s.Tree)
	mux.HandleFunc("POST /api/blobs", s.Blobs)
	mux.HandleFunc("PUT /api/blobs", s.PutBlob)
	mux.HandleFunc("POST /api/commit", s.Commit)
	mux.HandleFunc("GET /api/commits", s.Commits)
	mux.HandleFunc("GET /api/events", s.Events)
	return mux
}

// Handler wraps Routes in the standard middleware chain.
func (s *Server) Handler(opts Options) http.Handler {
	chain := []middleware.Middleware{
		middleware.RequestID,
		middleware.Logger(s.logger),
		middleware.Recover(s.logger),
	}
	if opts.RPS > 0 {
		chain = append(chain, middleware.RateLimit(opts.RPS, opts.Burst))
	}
	chain = append(chain, middleware.Auth(opts.Secret, "/health"))
	return middleware.Chain(s.Routes(), chain...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger.WithRequestID(r.Context())
	switch errors.TypeOf(err) {
	case errors.ErrorTypeInternal, errors.ErrorTypeTransport:
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	default:
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	errors.Write(w, err)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Tree answers 304 when the caller already holds the current tree.
func (s *Server) Tree(w http.ResponseWriter, r *http.Request) {
	t, err := s.authority.Tree(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sha := t.SHA()
	if known := r.URL.Query().Get("known"); known != "" && known == sha {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, shared.TreeResponse{Sha: sha, Tree: t})
}

func (s *Server) Blobs(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeBlobsRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	blobs, err := source.ReadBlobs(r.Context(), s.authority.Source(), req.Hashes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shared.BlobsResponse{Blobs: blobs})
}

func (s *Server) PutBlob(w http.ResponseWriter, r *http.Request) {
	data, err := validation.ReadBlob(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	hash, err := s.authority.Source().AddBlob(r.Context(), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, shared.BlobResponse{Hash: hash})
}

// Commit always answers with the authority's sha; a stale request gets the
// current one back and the caller detects the conflict.
func (s *Server) Commit(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeCommit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if claims, ok := middleware.ClaimsFrom(r.Context()); ok && req.Author == "" {
		req.Author = claims.Subject
	}
	res, err := s.authority.Commit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) Commits(w http.ResponseWriter, r *http.Request) {
	records, err := s.authority.Commits(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []*shared.CommitRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Events upgrades to a websocket and pushes an Event per accepted commit.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Subscribe first so nothing committed after the handshake is missed.
	events := s.authority.Subscribe(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.WithRequestID(r.Context()).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The read side only notices the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
