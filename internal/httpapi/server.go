// Package httpapi serves the aggregator's read API, the operator label
// endpoint and the last health check.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/relvacode/iso8601"

	"github.com/hivemind-plus/hivelink/internal/app/pipeline"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/router"
)

const (
	defaultWindow = 24 * time.Hour
	maxBuckets    = 4096
	maxBodyBytes  = 1 << 20
)

// Ingestor stores an operator message and returns the reply a node would get.
type Ingestor interface {
	Ingest(ctx context.Context, m *domain.TelemetryMessage) *domain.Response
}

// HealthSource exposes the last health check.
type HealthSource interface {
	Snapshot() *pipeline.Health
}

type Server struct {
	router *router.Router
	store  ports.Store
	ingest Ingestor
	health HealthSource
	obs    ports.Observability
	now    func() time.Time
	mux    *mux.Router
}

type Option func(*Server)

// WithLink mounts the node link handler at path on the same listener.
func WithLink(path string, h http.Handler) Option {
	return func(s *Server) { s.mux.Handle(path, h) }
}

func WithObservability(obs ports.Observability) Option {
	return func(s *Server) { s.obs = obs }
}

func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(r *router.Router, store ports.Store, ingest Ingestor, health HealthSource, opts ...Option) *Server {
	s := &Server{
		router: r,
		store:  store,
		ingest: ingest,
		health: health,
		obs:    ports.NopObservability{},
		now:    time.Now,
		mux:    mux.NewRouter(),
	}

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/buckets", s.handleBuckets).Methods(http.MethodGet)
	api.HandleFunc("/samples", s.handleSamples).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodPost)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// BucketsResponse is the body of GET /api/buckets.
type BucketsResponse struct {
	Start   time.Time          `json:"start"`
	End     time.Time          `json:"end"`
	Buckets []domain.BucketKey `json:"buckets"`
}

// Document is one stored message as returned by GET /api/samples.
type Document struct {
	ID      string                   `json:"id"`
	Bucket  domain.BucketKey         `json:"bucket"`
	Message *domain.TelemetryMessage `json:"message"`
}

// SamplesResponse is the body of GET /api/samples.
type SamplesResponse struct {
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Count     int        `json:"count"`
	Documents []Document `json:"documents"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.Snapshot()
	status := http.StatusOK
	if h.Status == pipeline.HealthDegraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	buckets, err := s.buckets(start, end)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, BucketsResponse{Start: start, End: end, Buckets: buckets})
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	buckets, err := s.buckets(start, end)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	node := strings.TrimSpace(q.Get("node"))
	filter := ports.Filter{}
	switch kind := domain.Kind(q.Get("kind")); kind {
	case "":
	case domain.KindSample, domain.KindLog:
		filter.Kind = kind
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported kind %q", kind))
		return
	}

	docs := []Document{}
	ctx := r.Context()
	for _, b := range buckets {
		collections := []string{node}
		if node == "" {
			collections, err = s.store.Collections(ctx, b)
			if err != nil {
				s.backendError(w, err)
				return
			}
		}
		for _, c := range collections {
			recs, err := s.store.Find(ctx, b, c, filter)
			if err != nil {
				s.backendError(w, err)
				return
			}
			for _, rec := range recs {
				t := rec.Message.Time
				if t.Before(start) || t.After(end) {
					continue
				}
				docs = append(docs, Document{ID: rec.ID, Bucket: rec.Bucket, Message: rec.Message})
			}
		}
	}
	writeJSON(w, http.StatusOK, SamplesResponse{Start: start, End: end, Count: len(docs), Documents: docs})
}

// handleLogs accepts an operator label in the wire shape. "type" defaults to
// "log" and "time" to now.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		writeError(w, http.StatusBadRequest, errors.New("body must be a JSON object"))
		return
	}
	if _, ok := raw["type"]; !ok {
		raw["type"] = string(domain.KindLog)
	}
	if raw["type"] != string(domain.KindLog) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("type must be %q", domain.KindLog))
		return
	}
	if _, ok := raw["time"]; !ok {
		raw["time"] = domain.EpochSeconds(s.now())
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := domain.DecodeMessage(normalized)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := s.ingest.Ingest(r.Context(), m)
	status := http.StatusCreated
	if resp.Status != domain.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) window(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := s.now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
		}
		end = t
	}
	start := end.Add(-defaultWindow)
	if v := q.Get("start"); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
		}
		start = t
	}
	if start.After(end) {
		start, end = end, start
	}
	return start, end, nil
}

func (s *Server) buckets(start, end time.Time) ([]domain.BucketKey, error) {
	var out []domain.BucketKey
	for b := range s.router.Buckets(start, end) {
		if len(out) == maxBuckets {
			return nil, fmt.Errorf("range spans more than %d buckets", maxBuckets)
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Server) backendError(w http.ResponseWriter, err error) {
	s.obs.IncCounter(ports.MetricBackendFailures, 1)
	s.obs.LogError("http query failed", err)
	writeError(w, http.StatusServiceUnavailable, err)
}

// ParseTime accepts epoch seconds or an ISO-8601 timestamp.
func ParseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return time.Time{}, fmt.Errorf("invalid epoch %q", v)
		}
		return domain.FromEpochSeconds(secs), nil
	}
	t, err := iso8601.ParseString(v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
