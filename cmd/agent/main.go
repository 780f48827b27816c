package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/formicag/msp-support-assistant/internal/agent"
	"github.com/formicag/msp-support-assistant/internal/httpclient"
	"github.com/formicag/msp-support-assistant/internal/knowledge"
	"github.com/formicag/msp-support-assistant/internal/logging"
	"github.com/formicag/msp-support-assistant/internal/models"
	"github.com/formicag/msp-support-assistant/internal/repository"
	appconfig "github.com/formicag/msp-support-assistant/pkg/config"
)

// AgentHandler exposes the support agent over HTTP. The agent keeps one
// active conversation per Lambda container; sessions are persisted so a chat
// can resume after a cold start, though short-term context does not survive.
type AgentHandler struct {
	agent    *agent.SupportAgent
	sessions repository.SessionRepository
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewAgentHandler creates a new agent HTTP handler
func NewAgentHandler(supportAgent *agent.SupportAgent, sessions repository.SessionRepository, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		agent:    supportAgent,
		sessions: sessions,
		logger:   logger,
	}
}

// ChatRequest is a single chat turn
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// ChatResponse is the agent's reply to a chat turn
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// EndSessionRequest closes a session
type EndSessionRequest struct {
	SessionID       string `json:"session_id"`
	GenerateSummary *bool  `json:"generate_summary,omitempty"`
}

// EndSessionResponse reports the outcome of closing a session
type EndSessionResponse struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary,omitempty"`
}

// Routes builds the HTTP routes for the agent service
func (h *AgentHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Route("/agent", func(r chi.Router) {
		r.Post("/chat", h.handleChat)
		r.Post("/session/end", h.handleEndSession)
		r.Get("/stats", h.handleStats)
	})

	return r
}

func (h *AgentHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "msp-support-assistant-agent",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleChat processes one conversation turn. A missing session ID starts a
// new session; a stale or unknown one is rejected so clients re-create it.
func (h *AgentHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	if req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()

	// One conversation at a time; the agent's short-term memory is shared state
	h.mu.Lock()
	defer h.mu.Unlock()

	sessionID, err := h.resolveSession(ctx, &req)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found or expired", req.SessionID))
			return
		}
		h.logger.ErrorContext(ctx, "failed to resolve session", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}

	reply, err := h.agent.ProcessMessage(ctx, req.Message, req.Model)
	if err != nil {
		// The agent already produced an apology reply; surface it with a 502
		// so callers can tell a model failure from success
		h.writeJSON(w, http.StatusBadGateway, ChatResponse{
			Response:  reply,
			SessionID: sessionID,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, ChatResponse{
		Response:  reply,
		SessionID: sessionID,
	})
}

// resolveSession finds or creates the session for a chat turn and points the
// agent's memory at it
func (h *AgentHandler) resolveSession(ctx context.Context, req *ChatRequest) (string, error) {
	if req.SessionID == "" {
		session := models.NewSession(req.UserID)
		if err := h.sessions.PutSession(ctx, session); err != nil {
			return "", err
		}
		h.agent.StartSession(session.SessionID, req.UserID)
		return session.SessionID, nil
	}

	session, err := h.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", err
	}

	if err := h.sessions.TouchSession(ctx, session); err != nil {
		h.logger.WarnContext(ctx, "failed to touch session",
			slog.String("session_id", session.SessionID),
			slog.String("error", err.Error()),
		)
	}

	// A different session than the one in memory means the container was
	// recycled or the client switched conversations
	if h.agent.Memory().SessionID() != session.SessionID {
		h.agent.StartSession(session.SessionID, session.UserID)
	}

	return session.SessionID, nil
}

// handleEndSession closes a session, generating a summary unless disabled
func (h *AgentHandler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	ctx := r.Context()

	h.mu.Lock()
	defer h.mu.Unlock()

	generateSummary := req.GenerateSummary == nil || *req.GenerateSummary

	var summary string
	if h.agent.Memory().SessionID() == req.SessionID {
		s, err := h.agent.EndSession(ctx, generateSummary)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to end session", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, "failed to end session")
			return
		}
		summary = s
	}

	if err := h.sessions.DeleteSession(ctx, req.SessionID); err != nil {
		h.logger.WarnContext(ctx, "failed to delete session",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
	}

	h.writeJSON(w, http.StatusOK, EndSessionResponse{
		SessionID: req.SessionID,
		Summary:   summary,
	})
}

func (h *AgentHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.GetStats())
}

func (h *AgentHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *AgentHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{
		"error":  message,
		"status": fmt.Sprintf("%d", status),
	})
}

func main() {
	logger := logging.New("agent")

	// Load configuration
	cfg := appconfig.MustLoad()

	logger.Info("agent lambda starting",
		slog.String("stage", cfg.Stage.String()),
		slog.String("claude_model", cfg.ClaudeModelID),
		slog.String("titan_model", cfg.TitanModelID),
	)

	// Initialize AWS SDK
	awsCfg, err := awsConfig.LoadDefaultConfig(context.Background(),
		awsConfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		logger.Error("failed to load AWS config", slog.String("error", err.Error()))
		panic(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	// Create AWS clients
	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	// Model routing and memory
	router := agent.NewModelRouter(bedrockClient, cfg.ClaudeModelID, cfg.TitanModelID, cfg.UseLLMRouting, logger)
	shortTerm := agent.NewShortTermMemory(cfg.ShortTermMemorySize)
	longTerm := agent.NewLongTermMemory(dynamoClient, cfg.MemoryTableName, cfg.MemoryEnabled, logger)
	memory := agent.NewMemoryManager(shortTerm, longTerm)

	// Agent tools
	httpClient := httpclient.NewClient(logger)
	ticketTools := agent.NewTicketTools(cfg.TicketAPIEndpoint, httpClient, logger)

	var kbTools *agent.KnowledgeTools
	if cfg.OpenSearchEndpoint != "" {
		osClient, err := knowledge.NewClient(awsCfg, cfg.OpenSearchEndpoint)
		if err != nil {
			logger.Error("failed to create OpenSearch client", slog.String("error", err.Error()))
			panic(fmt.Sprintf("failed to create OpenSearch client: %v", err))
		}
		embedder := knowledge.NewEmbedder(bedrockClient, cfg.EmbeddingModelID, logger)
		store := knowledge.NewStore(osClient, cfg.OpenSearchIndex, logger)
		kbTools = agent.NewKnowledgeTools(knowledge.NewSearcher(embedder, store), logger)
	} else {
		logger.Warn("OPENSEARCH_ENDPOINT not set, knowledge base search disabled")
		kbTools = agent.NewKnowledgeTools(nil, logger)
	}

	supportAgent := agent.NewSupportAgent(
		bedrockClient,
		router,
		memory,
		ticketTools,
		kbTools,
		cfg.TitanModelID,
		cfg.Stage.String(),
		logger,
	)

	sessions := repository.NewDynamoDBSessionRepository(dynamoClient, cfg.SessionsTableName)

	handler := NewAgentHandler(supportAgent, sessions, logger)

	lambda.Start(httpadapter.New(handler.Routes()).ProxyWithContext)
}
