package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultMaxBodyBytes int64 = 64 << 20

type HTTPServiceConfig struct {
	// MaxBodyBytes caps a /process payload. Zero means 64 MiB.
	MaxBodyBytes int64
	Logger       *zap.Logger
	Metrics      *Metrics
	Hooks        TelemetryHooks
}

type HTTPService struct {
	controller   *Controller
	metrics      *Metrics
	maxBodyBytes int64
	logger       *zap.Logger
	hooks        TelemetryHooks
}

type processResponse struct {
	Message     string       `json:"message,omitempty"`
	Error       string       `json:"error,omitempty"`
	IDs         []string     `json:"ids"`
	AcceptedAll bool         `json:"accepted_all"`
	Items       []SubmitItem `json:"items"`
}

type resultResponse struct {
	ID     string `json:"id"`
	Result Result `json:"result"`
}

type queueResponse struct {
	Q int `json:"q"`
}

type healthResponse struct {
	Status         string `json:"status"`
	Engine         string `json:"engine"`
	State          string `json:"state"`
	QueueDepth     int    `json:"queue_depth"`
	LastBatchError string `json:"last_batch_error,omitempty"`
	Error          string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHTTPService(controller *Controller, cfg HTTPServiceConfig) (*HTTPService, error) {
	if controller == nil {
		return nil, errors.New("controller must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &HTTPService{
		controller:   controller,
		metrics:      cfg.Metrics,
		maxBodyBytes: maxBody,
		logger:       logger.With(zap.String("component", "http")),
		hooks:        hooks,
	}, nil
}

func (s *HTTPService) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /process", s.instrument("/process", s.handleProcess))
	mux.Handle("GET /result/{id}", s.instrument("/result", s.handleResult))
	mux.Handle("GET /results", s.instrument("/results", s.handleResults))
	mux.Handle("GET /q", s.instrument("/q", s.handleQueue))
	mux.Handle("GET /health", s.instrument("/health", s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the routes behind the request id, recovery and access log
// middleware.
func (s *HTTPService) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return Chain(mux,
		RequestIDMiddleware,
		LoggingMiddleware(s.logger),
		RecoveryMiddleware(s.logger),
	)
}

func (s *HTTPService) instrument(route string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		ww := wrapResponseWriter(writer)
		reqID := RequestIDFromContext(request.Context())
		s.hooks.OnHTTPRequestStart(request.Context(), route, reqID)
		handler(ww, request)
		duration := time.Since(start)
		s.hooks.OnHTTPRequestDone(request.Context(), route, reqID, ww.statusCode, duration, ww.err)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(route, ww.statusCode, duration)
		}
	})
}

func (s *HTTPService) handleProcess(writer http.ResponseWriter, request *http.Request) {
	descs, err := decodeDescriptors(http.MaxBytesReader(writer, request.Body, s.maxBodyBytes))
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}

	report := s.controller.SubmitBatch(request.Context(), descs)
	ids := report.AcceptedIDs()
	response := processResponse{
		IDs:         ids,
		AcceptedAll: report.AcceptedAll,
		Items:       report.Items,
	}
	s.logger.Info(
		"process_request_done",
		zap.String("request_id", RequestIDFromContext(request.Context())),
		zap.Int("submitted", len(descs)),
		zap.Int("accepted", len(ids)),
	)
	if len(ids) > 0 || len(descs) == 0 {
		response.Message = fmt.Sprintf("%d tasks submitted successfully", len(ids))
		writeJSON(writer, http.StatusAccepted, response)
		return
	}

	firstErr := report.Items[0].Err
	response.Error = firstErr.Error()
	markError(writer, firstErr)
	writeJSON(writer, statusForError(firstErr), response)
}

func (s *HTTPService) handleResult(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")
	result, err := s.controller.Result(request.Context(), id)
	if err != nil {
		writeError(writer, statusForError(err), err)
		return
	}
	writeJSON(writer, http.StatusOK, resultResponse{ID: id, Result: result})
}

func (s *HTTPService) handleResults(writer http.ResponseWriter, request *http.Request) {
	results, err := s.controller.Drain(request.Context())
	if err != nil {
		s.logger.Error("results_drain_failed", zap.Error(err))
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	byID := make(map[string]Result, len(results))
	for _, result := range results {
		byID[result.ID] = result
	}
	writeJSON(writer, http.StatusOK, byID)
}

func (s *HTTPService) handleQueue(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, queueResponse{Q: s.controller.QueueDepth()})
}

func (s *HTTPService) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	state := s.controller.State()
	response := healthResponse{
		Status:     "ok",
		Engine:     s.controller.EngineName(),
		State:      state.String(),
		QueueDepth: s.controller.QueueDepth(),
	}
	if batchErr := s.controller.LastBatchError(); batchErr != nil {
		response.LastBatchError = batchErr.Error()
	}
	status := http.StatusOK
	if state != StateRunning {
		response.Status = "unavailable"
		status = http.StatusServiceUnavailable
		if err := s.controller.Err(); err != nil {
			response.Error = err.Error()
		}
	}
	writeJSON(writer, status, response)
}

// decodeDescriptors accepts a JSON array of descriptors or a single object.
func decodeDescriptors(body io.Reader) ([]Descriptor, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("expecting a JSON array of tasks")
	}
	switch raw[0] {
	case '[':
		var descs []Descriptor
		if err := json.Unmarshal(raw, &descs); err != nil {
			return nil, fmt.Errorf("invalid request payload: %w", err)
		}
		return descs, nil
	case '{':
		var desc Descriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return nil, fmt.Errorf("invalid request payload: %w", err)
		}
		return []Descriptor{desc}, nil
	default:
		return nil, errors.New("expecting a JSON array of tasks")
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotRunning):
		return http.StatusServiceUnavailable
	case IsValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(writer http.ResponseWriter, statusCode int, err error) {
	markError(writer, err)
	message := err.Error()
	if errors.Is(err, ErrNotFound) {
		message = "Result not found or not yet processed"
	}
	writeJSON(writer, statusCode, errorResponse{Error: message})
}

func markError(writer http.ResponseWriter, err error) {
	if ww, ok := writer.(*responseWriterWrapper); ok {
		ww.err = err
	}
}

func writeJSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(payload)
}
