// Package api provides the metadata relay HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/auth"
	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/internal/metrics"
	"github.com/fruitsalade/snapfolder/pkg/metadata"
	"github.com/fruitsalade/snapfolder/pkg/models"
)

// DefaultMaxRecordSize bounds a PUT body.
const DefaultMaxRecordSize = 4 << 20

// Server is the metadata relay HTTP server.
type Server struct {
	records       metadata.Relay
	auth          *auth.Auth
	maxRecordSize int64
	now           func() time.Time
}

// NewServer creates a new server.
func NewServer(records metadata.Relay, authHandler *auth.Auth, maxRecordSize int64) *Server {
	if maxRecordSize <= 0 {
		maxRecordSize = DefaultMaxRecordSize
	}
	return &Server{
		records:       records,
		auth:          authHandler,
		maxRecordSize: maxRecordSize,
		now:           time.Now,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/records/{address}", s.handleGetRecord)
	protected.HandleFunc("PUT /api/v1/records/{address}", s.handlePutRecord)
	protected.HandleFunc("DELETE /api/v1/records/{address}", s.handleDeleteRecord)
	protected.HandleFunc("GET /api/v1/owners/{owner}/records", s.handleListRecords)
	mux.Handle("/api/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	addr := models.Address(r.PathValue("address"))

	rec, err := s.records.GetRecord(r.Context(), addr)
	if err != nil {
		s.internalError(w, r, "get record", err)
		return
	}
	// Another owner's record is indistinguishable from a missing one.
	if rec == nil || !ownedBy(rec, claims) {
		s.sendError(w, http.StatusNotFound, "record not found")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	addr := models.Address(r.PathValue("address"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRecordSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "record too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "read body failed")
		return
	}

	var rec models.MetadataRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid record: "+err.Error())
		return
	}
	if rec.Address == "" {
		rec.Address = addr
	}
	if rec.Address != addr {
		s.sendError(w, http.StatusBadRequest, "address does not match path")
		return
	}
	if rec.Kind != models.KindFile && rec.Kind != models.KindDirectory {
		s.sendError(w, http.StatusBadRequest, "unknown record kind")
		return
	}
	if rec.OwnerID != "" && rec.OwnerID != claims.OwnerID {
		s.sendError(w, http.StatusForbidden, "owner mismatch")
		return
	}

	existing, err := s.records.GetRecord(r.Context(), addr)
	if err != nil {
		s.internalError(w, r, "get record", err)
		return
	}
	if existing != nil && !ownedBy(existing, claims) {
		s.sendError(w, http.StatusForbidden, "record belongs to another owner")
		return
	}

	now := s.now().UTC()
	rec.OwnerID = claims.OwnerID
	if rec.Members == nil {
		rec.Members = models.Members{}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
		if existing != nil {
			rec.CreatedAt = existing.CreatedAt
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	if err := s.records.PutRecord(r.Context(), &rec); err != nil {
		s.internalError(w, r, "put record", err)
		return
	}
	logging.WithContext(r.Context()).Debug("record stored",
		zap.String("address", addr.String()),
		zap.String("owner", claims.OwnerID),
		zap.Int("members", len(rec.Members)),
	)
	s.sendJSON(w, http.StatusOK, &rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	addr := models.Address(r.PathValue("address"))

	existing, err := s.records.GetRecord(r.Context(), addr)
	if err != nil {
		s.internalError(w, r, "get record", err)
		return
	}
	if existing == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !ownedBy(existing, claims) {
		s.sendError(w, http.StatusForbidden, "record belongs to another owner")
		return
	}

	if err := s.records.DeleteRecord(r.Context(), addr); err != nil {
		s.internalError(w, r, "delete record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	owner := r.PathValue("owner")
	if owner != claims.OwnerID {
		s.sendError(w, http.StatusForbidden, "owner mismatch")
		return
	}

	recs, err := s.records.ListRecordsForOwner(r.Context(), owner)
	if err != nil {
		s.internalError(w, r, "list records", err)
		return
	}
	if recs == nil {
		recs = []*models.MetadataRecord{}
	}
	s.sendJSON(w, http.StatusOK, recs)
}

func ownedBy(rec *models.MetadataRecord, claims *auth.Claims) bool {
	return claims != nil && (rec.OwnerID == "" || rec.OwnerID == claims.OwnerID)
}

// internalError logs err and answers 500 with the request id, so a client
// report can be matched to the log line.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logging.WithContext(r.Context()).Error(op+" failed", zap.Error(err))
	msg := "internal error"
	if id := logging.RequestID(r.Context()); id != "" {
		msg += " (request " + id + ")"
	}
	s.sendError(w, http.StatusInternalServerError, msg)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, map[string]string{"error": msg})
}
