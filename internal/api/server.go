// Package api exposes the HTTP front door: uploads, status views, the audit
// trail, and the standalone text screener.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/config"
	"github.com/dharsanguruparan/MediaGate/internal/intake"
	"github.com/dharsanguruparan/MediaGate/internal/metrics"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/repository"
	"github.com/dharsanguruparan/MediaGate/internal/signing"
	"github.com/dharsanguruparan/MediaGate/internal/textscreen"
)

const maxFieldBytes = 4 << 10

// Audit reads the append-only moderation history.
type Audit interface {
	ListDecisions(ctx context.Context, itemID string) ([]model.ModerationDecision, error)
	ListStrikes(ctx context.Context, ownerID string) ([]model.Strike, error)
}

// Deps are the services behind the routes.
type Deps struct {
	Intake   *intake.Service
	Audit    Audit
	Screener *textscreen.Screener
	Signer   *signing.Signer
	Metrics  *metrics.Pipeline
	Logger   logrus.FieldLogger
}

// Server exposes HTTP endpoints for submissions and their outcomes.
type Server struct {
	cfg     *config.Config
	deps    Deps
	handler http.Handler
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Screener == nil {
		deps.Screener = textscreen.New(textscreen.Options{Threshold: cfg.TextThreshold})
	}
	s := &Server{cfg: cfg, deps: deps}
	s.handler = s.routes()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o750); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.deps.Logger.WithField("address", s.cfg.Address).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /media", s.handleUpload)
	mux.HandleFunc("GET /media/{id}", s.handleStatus)
	mux.HandleFunc("GET /media/{id}/decisions", s.handleDecisions)
	mux.HandleFunc("GET /accounts/{id}/strikes", s.handleStrikes)
	mux.HandleFunc("POST /screen", s.handleScreen)
	mux.HandleFunc("GET /play/{asset}", s.handlePlay)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	return corsMiddleware(loggingMiddleware(s.deps.Logger, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+64<<10)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	form, tmp, err := s.readUpload(mr)
	if err != nil {
		if tmp != nil {
			os.Remove(tmp.path)
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := intake.Submission{
		OwnerID:     form.get("owner_id"),
		Kind:        model.Kind(form.get("kind")),
		Metadata:    form.metadata,
		TempPath:    tmp.path,
		ContentType: tmp.contentType,
	}
	if ms := form.get("duration_ms"); ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil || n < 0 {
			os.Remove(tmp.path)
			respondError(w, http.StatusBadRequest, "invalid duration_ms")
			return
		}
		sub.Duration = time.Duration(n) * time.Millisecond
	}

	receipt, err := s.deps.Intake.Submit(r.Context(), sub)
	if err != nil {
		os.Remove(tmp.path)
		if errors.Is(err, intake.ErrInvalid) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.deps.Logger.WithError(err).Error("submit failed")
		respondError(w, http.StatusInternalServerError, "failed to accept upload")
		return
	}
	status := http.StatusAccepted
	if receipt.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, receipt)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Intake.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondLookupError(w, err, "media not found")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.deps.Audit.ListDecisions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondLookupError(w, err, "media not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleStrikes(w http.ResponseWriter, r *http.Request) {
	strikes, err := s.deps.Audit.ListStrikes(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondLookupError(w, err, "account not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"strikes": strikes})
}

type screenRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	var req screenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "expecting {\"text\": ...}")
		return
	}
	verdict := s.deps.Screener.Screen(req.Text)
	s.deps.Metrics.TextScreened(verdict.Flagged)
	respondJSON(w, http.StatusOK, verdict)
}

// handlePlay checks a signed playback link and redirects to the CDN.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	q := r.URL.Query()
	if s.deps.Signer == nil || !s.deps.Signer.Validate(asset, q.Get("expires"), q.Get("sig")) {
		respondError(w, http.StatusForbidden, "invalid or expired link")
		return
	}
	target := strings.TrimSuffix(s.cfg.CDNBaseURL, "/") + "/assets/" + url.PathEscape(asset) + "/content"
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, repository.ErrNotFound) {
		respondError(w, http.StatusNotFound, notFound)
		return
	}
	s.deps.Logger.WithError(err).Error("lookup failed")
	respondError(w, http.StatusInternalServerError, "internal error")
}

type uploadForm struct {
	fields   map[string]string
	metadata map[string]string
}

func (f *uploadForm) get(name string) string {
	return strings.TrimSpace(f.fields[name])
}

type tempUpload struct {
	path        string
	size        int64
	contentType string
}

// readUpload walks every part: plain fields are collected, "metadata.<key>"
// fields land in the item metadata, and the "file" part is spooled to disk.
func (s *Server) readUpload(mr *multipart.Reader) (*uploadForm, *tempUpload, error) {
	form := &uploadForm{fields: map[string]string{}}
	var tmp *tempUpload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, tmp, fmt.Errorf("read form: %w", err)
		}
		name := part.FormName()
		switch {
		case name == "file" && tmp == nil:
			tmp, err = s.persistTemp(part)
			part.Close()
			if err != nil {
				return nil, nil, err
			}
		case name != "":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			part.Close()
			if err != nil {
				return nil, tmp, fmt.Errorf("read field %s: %w", name, err)
			}
			if key, ok := strings.CutPrefix(name, "metadata."); ok {
				if form.metadata == nil {
					form.metadata = map[string]string{}
				}
				form.metadata[key] = string(value)
				continue
			}
			form.fields[name] = string(value)
		default:
			part.Close()
		}
	}
	if tmp == nil {
		return nil, nil, errors.New("file part required")
	}
	return form, tmp, nil
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp(s.cfg.UploadDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (*tempUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				return fail(fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
			}
			if len(sniff) < 512 {
				chunk := min(n, 512-len(sniff))
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return fail(errors.New("empty file"))
	}
	contentType := detectContentType(sniff, part.Header.Get("Content-Type"))
	if !s.allowed(contentType) {
		return fail(fmt.Errorf("unsupported content type %s", contentType))
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return &tempUpload{path: tmpFile.Name(), size: written, contentType: contentType}, nil
}

// detectContentType trusts the sniffed type unless sniffing was inconclusive
// and the client declared a video type.
func detectContentType(sniff []byte, declared string) string {
	detected := http.DetectContentType(sniff)
	if detected == "application/octet-stream" && strings.HasPrefix(declared, "video/") {
		return declared
	}
	return detected
}

func (s *Server) allowed(contentType string) bool {
	base, _, _ := strings.Cut(contentType, ";")
	for _, t := range s.cfg.AllowedTypes {
		if strings.EqualFold(strings.TrimSpace(base), t) {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("http request")
	})
}
