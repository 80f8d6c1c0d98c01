package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/chat"
	"github.com/pbaille/mct/internal/domain"
)

const maxBodyBytes = 1 << 20

// Server hosts the chat relay
type Server struct {
	provider    chat.Provider
	logger      *zap.Logger
	addr        string
	maxConcepts int
}

// New creates a new API server
func New(provider chat.Provider, logger *zap.Logger, addr string, maxConcepts int) *Server {
	if maxConcepts <= 0 {
		maxConcepts = 10
	}
	return &Server{provider: provider, logger: logger, addr: addr, maxConcepts: maxConcepts}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.chat)

	// Health check
	mux.HandleFunc("GET /health", s.health)

	return withCORS(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chat relay listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// withCORS adds CORS headers for browser clients
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ChatRequest is the relay's request body. Fields stay raw so that type
// mismatches can be told apart from absent fields.
type ChatRequest struct {
	Message  json.RawMessage `json:"message"`
	Concepts json.RawMessage `json:"concepts,omitempty"`
	UserID   json.RawMessage `json:"userId,omitempty"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var message string
	if err := json.Unmarshal(req.Message, &message); err != nil || message == "" {
		writeError(w, http.StatusBadRequest, "Missing 'message' string")
		return
	}

	concepts := decodeSummaries(req.Concepts)
	if len(concepts) > s.maxConcepts {
		concepts = concepts[:s.maxConcepts]
	}

	stream, err := s.provider.Stream(r.Context(), chat.SystemPrompt(concepts), message)
	if err != nil {
		s.logger.Error("chat provider failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	defer stream.Close()

	// Pull the first chunk before committing to a status, so an early
	// provider failure still gets a 500.
	first, firstErr := stream.Next()
	if firstErr != nil && firstErr != io.EOF {
		s.logger.Error("chat provider failed", zap.Error(firstErr))
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	chunks := 0
	for text, err := first, firstErr; err != io.EOF; text, err = stream.Next() {
		if err != nil {
			// Headers are already sent; all we can do is end the body.
			s.logger.Error("chat stream interrupted", zap.Error(err), zap.Int("chunks", chunks))
			return
		}
		if _, err := io.WriteString(w, text); err != nil {
			s.logger.Debug("client went away", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		chunks++
	}

	s.logger.Debug("chat relayed", zap.Int("chunks", chunks), zap.Int("concepts", len(concepts)))
}

// decodeSummaries accepts any JSON array and reads each element leniently:
// missing or null fields fall back to a default, non-string values are
// printed as-is. Anything that is not an array yields no concepts.
func decodeSummaries(raw json.RawMessage) []domain.ConceptSummary {
	if len(raw) == 0 {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	summaries := make([]domain.ConceptSummary, 0, len(items))
	for _, item := range items {
		var fields map[string]any
		// Non-object elements leave fields nil and get all defaults.
		_ = json.Unmarshal(item, &fields)

		summaries = append(summaries, domain.ConceptSummary{
			Title:    field(fields, "title", "Untitled"),
			Status:   field(fields, "status", "pending"),
			Priority: field(fields, "priority", "medium"),
			Category: field(fields, "category", "General"),
		})
	}
	return summaries
}

func field(fields map[string]any, key, fallback string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
