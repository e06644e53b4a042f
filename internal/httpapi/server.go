// Package httpapi is the serving boundary (spec component C8): it
// routes the four public routes of spec §6 to the cached engine and
// retrieval store and serializes their results. It is deliberately thin
// — auth verification, multipart file parsing, and static-file serving
// are external collaborators whose interfaces are specified here but
// not implemented, per spec §1's scope note. Grounded on the teacher's
// internal/http/server.go mux-plus-middleware shape, trimmed from its
// OpenAI/GraphQL/MCP surface down to the four chat-serving routes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/engine"
	"modelgate/internal/retrieval"
	"modelgate/internal/telemetry"
)

// inferenceEngine is the subset of *inference engines the server reads
// for /api/model/info; declared locally so the server does not need to
// import the concrete bedrock/ollama packages.
type inferenceEngine interface {
	Loaded() bool
}

// Server is the HTTP serving boundary in front of the cached engine.
type Server struct {
	cfg        *config.Config
	engine     *engine.Engine
	retrieval  *retrieval.Store
	metrics    *telemetry.Metrics
	infer      inferenceEngine
	engineName string
	validator  *requestValidator

	mux *http.ServeMux
}

// New assembles the serving boundary's mux. engineLoaded reports
// whether the bound inference primitive is ready, for /api/model/info.
func New(cfg *config.Config, eng *engine.Engine, retr *retrieval.Store, metrics *telemetry.Metrics, infer inferenceEngine) *Server {
	s := &Server{
		cfg:        cfg,
		engine:     eng,
		retrieval:  retr,
		metrics:    metrics,
		infer:      infer,
		engineName: cfg.Inference.Engine,
		validator:  newRequestValidator(),
		mux:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/chat", s.withMiddleware(s.handleChat))
	s.mux.HandleFunc("POST /api/documents/upload", s.withMiddleware(s.handleDocumentUpload))
	s.mux.HandleFunc("POST /api/documents/clear", s.withMiddleware(s.handleDocumentsClear))
	s.mux.HandleFunc("GET /api/model/info", s.withMiddleware(s.handleModelInfo))
	s.mux.Handle("GET /metrics", telemetry.Handler())
}

// Handler returns the fully wrapped mux (CORS applied at the outermost
// layer, matching the teacher's Handler()).
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start runs the HTTP server until ctx is canceled, then drains
// in-flight requests for up to 10s before returning.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMiddleware stamps a request ID, requires a bearer credential to
// be present (verification itself is the external auth collaborator's
// job — spec §1), and logs access with latency once the handler returns.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", requestID)

		if r.Header.Get("Authorization") == "" {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing Authorization header")
			return
		}

		rec := s.metrics.NewRequestRecorder()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(ww, r)
		if ww.status >= 500 {
			rec.RecordError()
		} else {
			rec.RecordSuccess()
		}

		slog.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers type-assert the wrapped writer back to
// http.Flusher; statusWriter only overrides WriteHeader, so without this
// the status-tracking wrapper would silently break SSE flushing.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleChat implements POST /api/chat (spec §6): max_tokens capped to
// 256 at this boundary, temperature/top_p fall back to engine defaults.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, s.maxRequestSize()))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if err := s.validator.Validate(raw, chatRequestSchema); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var body ChatHTTPRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	maxTokens := body.MaxTokens
	if maxTokens <= 0 || maxTokens > 256 {
		maxTokens = 256
	}
	temperature := float32(0.7)
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	topP := float32(0.9)
	if body.TopP != nil {
		topP = *body.TopP
	}
	useCache := true
	if body.UseCache != nil {
		useCache = *body.UseCache
	}

	req := domain.ChatRequest{
		RequestID: uuid.New().String(),
		Prompt:    body.Message,
		GenerationParams: domain.GenerationParams{
			MaxTokens:   maxTokens,
			Temperature: temperature,
			TopP:        topP,
		},
		Stream:   body.Stream,
		UseCache: useCache,
	}

	if body.Stream {
		s.handleChatStream(w, r, req)
		return
	}

	resp, err := s.engine.Generate(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "inference_failed", err.Error())
		return
	}
	if resp.BlockedBy != "" {
		s.writeJSON(w, http.StatusForbidden, BlockedResponse{
			Status:  "blocked",
			Reason:  resp.BlockedBy,
			Blocked: true,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, ChatHTTPResponse{
		Response:        resp.Text,
		Status:          "ok",
		TokensGenerated: len(splitWords(resp.Text)),
		CacheHit:        resp.CacheHit,
		Similarity:      resp.Similarity,
		Security: SecurityInfo{
			Validated:  resp.BlockedBy == "",
			Confidence: 1.0,
		},
	})
}

// handleChatStream serves the request as SSE, one frame per token,
// matching spec §4.6's streaming-as-cache-citizen design.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, req domain.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	tokens, err := s.engine.GenerateStream(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "inference_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for tok := range tokens {
		if tok.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		data, _ := json.Marshal(map[string]string{"delta": tok.Text})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// handleDocumentUpload implements POST /api/documents/upload (spec §6).
// Extracting text from PDF/CSV formats is the external file-parsing
// collaborator's job; this handler reads the uploaded part as UTF-8
// text directly, which is exact for TXT/MD and good enough for CSV.
func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "missing file field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read uploaded file")
		return
	}

	docID := uuid.New().String()
	doc := domain.Document{ID: docID, Title: header.Filename, Content: string(content)}

	embedder := s.engine.Embedder()
	n, err := s.retrieval.Add(r.Context(), doc, embedder)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, DocumentUploadResponse{
		DocumentID:  docID,
		ChunksAdded: n,
		Status:      "ok",
	})
}

// handleDocumentsClear implements POST /api/documents/clear (spec §6).
func (s *Server) handleDocumentsClear(w http.ResponseWriter, r *http.Request) {
	s.retrieval.Clear()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleModelInfo implements GET /api/model/info (spec §6): load state
// plus C2/C6 stats, read-only.
func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	cacheStats := s.engine.CacheStats()
	batchStats := s.engine.BatcherStats()

	s.writeJSON(w, http.StatusOK, ModelInfoResponse{
		Loaded: s.infer.Loaded(),
		Engine: s.engineName,
		Cache: CacheInfo{
			Entries:    cacheStats.Entries,
			Capacity:   cacheStats.Capacity,
			Hits:       cacheStats.Hits,
			Misses:     cacheStats.Misses,
			HitRatePct: cacheStats.HitRatePct,
		},
		Batcher: BatcherInfo{
			TotalRequests:  batchStats.TotalRequests,
			TotalBatches:   batchStats.TotalBatches,
			TotalBatchTime: batchStats.TotalBatchTime.Seconds(),
			QueueSize:      batchStats.QueueSize,
		},
		Retrieval: RetrievalInfo{Chunks: s.retrieval.Count()},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	slog.Debug("request error", "type", errType, "status", status)
	s.writeJSON(w, status, ErrorResponse{Error: message, Status: "error"})
}

// maxRequestSize returns the configured request body cap, falling back
// to a sane default when unset.
func (s *Server) maxRequestSize() int64 {
	if s.cfg.Server.MaxRequestSize > 0 {
		return s.cfg.Server.MaxRequestSize
	}
	return 1 << 20
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}
