// Package api serves the assistant over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"localrag/internal/agent"
	"localrag/internal/domain"
	"localrag/internal/metrics"
	"localrag/internal/pipeline"
)

// Assistant is the server-facing subset of the wired application.
type Assistant interface {
	Answer(ctx context.Context, question string) (string, error)
	Ingest(ctx context.Context, paths []string) (*pipeline.IngestReport, error)
	Manifest() (domain.Manifest, bool)
}

type Config struct {
	UploadDir   string
	MaxUploadMB int
}

type Server struct {
	assistant Assistant
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func NewServer(a Assistant, cfg Config, logger *zap.Logger, mc *metrics.Collector) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 64
	}
	return &Server{
		assistant: a,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "api")),
		metrics:   mc,
	}
}

type ChatRequest struct {
	Question string `json:"question"`
}

type ChatResponse struct {
	Answer string `json:"answer"`
}

type StatusResponse struct {
	Ready    bool             `json:"ready"`
	Manifest *domain.Manifest `json:"manifest,omitempty"`
}

type ErrorResponse struct {
	Error  string                 `json:"error"`
	Report *pipeline.IngestReport `json:"report,omitempty"`
}

// Handler returns the routed handler with logging, recovery and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.HandleFunc("/v1/status", s.HandleStatus)
	mux.HandleFunc("/v1/chat", s.HandleChat)
	mux.HandleFunc("/v1/documents", s.HandleDocuments)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return Chain(mux, Recovery(s.logger), RequestLogger(s.logger), Metrics(s.metrics))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"time_utc": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var resp StatusResponse
	if m, ok := s.assistant.Manifest(); ok {
		resp.Ready = true
		resp.Manifest = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	answer, err := s.assistant.Answer(r.Context(), req.Question)
	if err != nil {
		status := chatStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("chat failed", zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Answer: answer})
}

func chatStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLanguageModel), errors.Is(err, domain.ErrEmbeddingProvider):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrModelMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HandleDocuments saves the uploaded "files" parts under UploadDir and
// rebuilds the index from exactly those files.
func (s *Server) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, `no files in form field "files"`)
		return
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.logger.Error("create upload dir", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	// Parts sharing a base name land on the same file; the last one wins and
	// is ingested once.
	paths := make([]string, 0, len(headers))
	saved := make(map[string]bool, len(headers))
	for _, fh := range headers {
		path, err := s.save(fh)
		if err != nil {
			s.logger.Error("save upload", zap.String("file", fh.Filename), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not store upload")
			return
		}
		if saved[path] {
			continue
		}
		saved[path] = true
		paths = append(paths, path)
	}

	report, err := s.assistant.Ingest(r.Context(), paths)
	switch {
	case errors.Is(err, domain.ErrNoDocumentsIndexed):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Report: report})
	case err != nil:
		s.logger.Error("ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// save writes an uploaded part under UploadDir, keeping only its base name.
func (s *Server) save(fh *multipart.FileHeader) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(fh.Filename, `\`, "/")))
	if base == "/" || base == "." {
		return "", fmt.Errorf("invalid file name %q", fh.Filename)
	}
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(s.cfg.UploadDir, base)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", err
	}
	return path, dst.Close()
}
