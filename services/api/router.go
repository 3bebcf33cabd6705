package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const compressLevel = 5

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	r.Use(newCompressor().Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if a.config.RatePerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RatePerMinute, time.Minute))
		}

		r.Post("/sessions/start", a.handleStartSession)
		r.Get("/sessions", a.handleListSessions)
		r.Get("/sessions/comments", a.handleTimeline)
		r.Get("/sessions/{id}", a.handleSessionDetails)
		r.Delete("/sessions/{id}", a.handleDeleteSession)
		r.Post("/sessions/{id}/heartbeat", a.handleHeartbeat)
		r.Post("/sessions/{id}/close", a.handleCloseSession)

		r.Get("/active-editors", a.handleActiveEditors)
		r.Get("/multi-editor-files", a.handleMultiEditorFiles)
		r.Get("/user-activity/{username}", a.handleUserActivity)

		r.Post("/comments", a.handleAddComment)
		r.Get("/comments", a.handleListComments)
		r.Delete("/comments/{session_id}", a.handleDeleteComment)
		r.Get("/change-types", a.handleChangeTypes)

		r.Post("/reclaim", a.handleReclaim)
		r.Get("/stats", a.handleStats)
	})

	return r, nil
}

// newCompressor negotiates zstd ahead of the gzip and deflate encoders chi
// ships with.
func newCompressor() *middleware.Compressor {
	c := middleware.NewCompressor(compressLevel, "application/json", "text/plain")
	c.SetEncoder("zstd", func(w io.Writer, level int) io.Writer {
		enc, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil
		}
		return enc
	})
	return c
}
