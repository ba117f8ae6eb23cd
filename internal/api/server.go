package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/lvbu1984/chunkd/internal/lifecycle"
	"github.com/lvbu1984/chunkd/internal/logging"
	"github.com/lvbu1984/chunkd/internal/upload"
)

// multipart parts above this are spooled to disk by net/http
const formMemory = 8 << 20

// Coordinator is the upload surface the handlers drive.
type Coordinator interface {
	IngestChunk(ctx context.Context, chunk upload.Chunk) (*lifecycle.UploadSession, error)
	Progress(ctx context.Context, uploadID string) (*lifecycle.UploadSession, bool, error)
	Merge(ctx context.Context, uploadID string, total int) (*upload.MergeResult, error)
	Abandon(ctx context.Context, uploadID string) (bool, error)
}

// StatsSource backs /health and /dashboard. *lifecycle.SQLiteStore
// implements it.
type StatsSource interface {
	Ping(ctx context.Context) error
	GetDashboardStats(ctx context.Context, staleCutoff time.Time) (*lifecycle.DashboardStats, error)
}

type Options struct {
	Logger         logging.Logger
	AllowedOrigins []string
	// MaxChunkSize bounds the multipart request body; zero means unbounded.
	MaxChunkSize int64
	StaleAfter   time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	coord   Coordinator
	stats   StatsSource
	logger  logging.Logger
	opts    Options
	handler http.Handler
}

func NewServer(coord Coordinator, stats StatsSource, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		coord:  coord,
		stats:  stats,
		logger: opts.Logger,
		opts:   opts,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withRequestLog)

	// "/ck" keeps the paths older browser clients were built against
	for _, prefix := range []string{"", "/ck"} {
		r.HandleFunc(prefix+"/merge", s.handleMerge).Methods(http.MethodPost)
		r.HandleFunc(prefix+"/progress", s.handleProgress).Methods(http.MethodPost)
		r.HandleFunc(prefix+"/abandon", s.handleAbandon).Methods(http.MethodPost)
	}
	r.HandleFunc("/chunk-upload", s.handleChunkUpload).Methods(http.MethodPost)
	r.HandleFunc("/ck/upload", s.handleChunkUpload).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	return cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
	}).Handler(r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests
// for up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chunk upload API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		w.Header().Set("X-Request-Id", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(withRequestID(r.Context(), requestID)))

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
