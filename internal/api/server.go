package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"video-subtitler/internal/artifact"
	"video-subtitler/internal/models"
	"video-subtitler/internal/pipeline"
	"video-subtitler/internal/ratelimit"
	"video-subtitler/internal/store"
	"video-subtitler/internal/subtitles"
	"video-subtitler/internal/telemetry"
	"video-subtitler/internal/validate"
)

// multipartOverhead is allowed on top of the video limit for form fields
// and part headers.
const multipartOverhead = 1 << 20

// Pipeline is the boundary the handlers drive.
type Pipeline interface {
	Submit(ctx context.Context, sub pipeline.Submission) (models.Job, error)
	Query(id string) (pipeline.Status, error)
	Retrieve(ctx context.Context, id string) (*pipeline.Download, error)
	Catalog() subtitles.Catalog
}

// Limiter throttles uploads per client.
type Limiter interface {
	Allow(ctx context.Context, client string) (ratelimit.Decision, error)
}

// Thumbnailer grabs a poster frame from a local video file.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, video string, width int) ([]byte, error)
}

// Options carries the handler settings.
type Options struct {
	MaxUploadBytes int64
	Transcriber    string
	ThumbnailWidth int
}

// Server wires HTTP handlers for the subtitling pipeline.
type Server struct {
	pipeline Pipeline
	limiter  Limiter
	thumbs   Thumbnailer
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

// New constructs the API server. limiter and thumbs may be nil.
func New(p Pipeline, hub *Hub, limiter Limiter, thumbs Thumbnailer, opts Options) *Server {
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 320
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		pipeline: p,
		limiter:  limiter,
		thumbs:   thumbs,
		hub:      hub,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/upload", s.handleUpload)
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/download/{id}", s.handleDownload)
	r.Get("/thumbnail/{id}", s.handleThumbnail)
	r.Get("/styles", s.handleStyles)
	r.Get("/ws/{id}", s.handleWatch)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "transcriber": s.opts.Transcriber})
}

func (s *Server) handleStyles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Catalog())
}

type uploadResponse struct {
	JobID  string       `json:"job_id"`
	Status models.State `json:"status"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			// Redis being down should not take uploads with it.
			log.Warn().Err(err).Msg("rate limiter unavailable")
		} else if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeDetail(w, http.StatusTooManyRequests, "Too many uploads. Try again later.")
			return
		}
	}

	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("File too large. Maximum size is %d MB.", s.opts.MaxUploadBytes/(1024*1024)))
			return
		}
		writeDetail(w, http.StatusBadRequest, "Invalid multipart upload.")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "A video file is required.")
		return
	}
	defer file.Close()

	job, err := s.pipeline.Submit(r.Context(), pipeline.Submission{
		Filename:    header.Filename,
		Size:        header.Size,
		Body:        file,
		Style:       r.FormValue("style"),
		DisplayMode: r.FormValue("display_mode"),
		Position:    r.FormValue("position"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{JobID: job.ID, Status: job.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Query(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dl, err := s.pipeline.Retrieve(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer dl.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
	if dl.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, dl)
	if err != nil {
		log.Warn().Err(err).Str("job_id", id).Int64("bytes", n).Msg("download interrupted")
		return
	}
	if dl.Size < 0 || n == dl.Size {
		dl.Done()
	}
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if s.thumbs == nil {
		writeDetail(w, http.StatusNotFound, "Thumbnails are not available")
		return
	}
	id := chi.URLParam(r, "id")
	dl, err := s.pipeline.Retrieve(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer dl.Close()

	// The artifact may live in object storage; ffmpeg needs a local file.
	tmp, err := os.CreateTemp("", "thumb-*.mp4")
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer os.Remove(tmp.Name())
	_, err = io.Copy(tmp, dl)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.writeError(w, fmt.Errorf("stage thumbnail source: %w", err))
		return
	}

	img, err := s.thumbs.Thumbnail(r.Context(), tmp.Name(), s.opts.ThumbnailWidth)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("thumbnail failed")
		writeDetail(w, http.StatusInternalServerError, "Could not generate thumbnail")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	_, _ = w.Write(img)
}

// handleWatch pushes the job's status every time it changes and closes the
// socket once the job is terminal.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.pipeline.Query(id); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	changed := s.hub.subscribe(id)
	defer s.hub.unsubscribe(id, changed)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last pipeline.Status
	sent := false
	for {
		st, err := s.pipeline.Query(id)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "job expired"))
			return
		}
		if !sent || st != last {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(st); err != nil {
				return
			}
			last, sent = st, true
		}
		if st.State.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, st.State.String()))
			return
		}
		select {
		case <-changed:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeError maps pipeline errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *validate.ValidationError
	switch {
	case errors.As(err, &verr):
		writeDetail(w, http.StatusBadRequest, verr.Reason)
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, pipeline.ErrNotReady):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, artifact.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Output file not found")
	default:
		log.Error().Err(err).Msg("request failed")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}

// clientKey identifies the caller for rate limiting. RealIP has already
// rewritten RemoteAddr from proxy headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
