package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"prediction-service/internal/dispatch"
	"prediction-service/internal/models"
	"prediction-service/internal/ratelimit"
	"prediction-service/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Submitter accepts prediction requests.
type Submitter interface {
	Submit(ctx context.Context, req models.PredictionRequest) (dispatch.Submission, error)
}

// StatusReader resolves job handles.
type StatusReader interface {
	Get(ctx context.Context, id string) (models.JobView, error)
}

// Limiter decides whether a client may submit another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Pinger is a dependency whose reachability /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer. Limiter and Depth are optional.
type Deps struct {
	Submitter Submitter
	Status    StatusReader
	Limiter   Limiter
	// Checks maps a service name to the dependency probed by /health.
	Checks map[string]Pinger
	// Depth reports outstanding queue entries for the metrics endpoint.
	Depth  func(ctx context.Context) (int64, error)
	Logger *slog.Logger
}

// Server wires HTTP handlers for the prediction API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/predict", s.handlePredict)
	r.Get("/predict/{id}", s.handleGetPrediction)
	return r
}

type predictRequest struct {
	Input *string `json:"input"`
}

type syncResponse struct {
	Output models.Output `json:"output"`
}

type asyncResponse struct {
	ID      string        `json:"id"`
	Status  models.Status `json:"status"`
	Message string        `json:"message"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter != nil {
		d, err := s.deps.Limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			// Limiter outages fail open.
			s.logger.Warn("rate limiter unavailable", "error", err)
		} else if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			s.writeError(w, models.RateLimited())
			return
		}
	}

	var req predictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, models.ValidationError("request body too large"))
			return
		}
		s.writeError(w, models.ValidationError("invalid json"))
		return
	}
	if req.Input == nil {
		s.writeError(w, models.ValidationError("input is required"))
		return
	}

	sub, err := s.deps.Submitter.Submit(r.Context(), models.PredictionRequest{
		Input: *req.Input,
		Mode:  models.ModeFromHeader(r.Header.Get("Async-Mode")),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sub.Job != nil {
		writeJSON(w, http.StatusAccepted, asyncResponse{
			ID:      sub.Job.ID,
			Status:  sub.Job.Status,
			Message: dispatch.AcceptedMessage,
		})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Output: *sub.Output})
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.deps.Status.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  map[string]bool `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Services: map[string]bool{}}
	code := http.StatusOK
	for name, dep := range s.deps.Checks {
		err := dep.Ping(ctx)
		resp.Services[name] = err == nil
		if err != nil {
			s.logger.Warn("health check failed", "service", name, "error", err)
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Depth != nil {
		if depth, err := s.deps.Depth(r.Context()); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
	telemetry.Handler().ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ML Prediction Service",
		"health":  "/health",
	})
}

type errorBody struct {
	Error     models.JobError `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var e *models.Error
	if !errors.As(err, &e) {
		s.logger.Error("unhandled error", "error", err)
		e = &models.Error{Kind: models.KindInternal, Message: "internal server error"}
	}
	writeJSON(w, statusFor(e.Kind), errorBody{
		Error:     e.JobError(),
		Timestamp: time.Now().UTC(),
	})
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindEnqueue:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
