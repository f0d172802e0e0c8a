package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wayl-ai/wayl/breaker"
	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/inference"
	"github.com/wayl-ai/wayl/models"
	"github.com/wayl-ai/wayl/tasks"
)

const (
	DefaultSystemPrompt = "You are a helpful AI assistant."

	inferenceService  = "inference"
	contextCacheTTL   = 5 * time.Minute
	agentCacheTTL     = 5 * time.Minute
	contextHistoryLen = 10
	maxMessageLength  = 4096
)

var (
	errAgentNotFound    = notFound("Agent not found")
	errModelUnavailable = newAPIError(http.StatusServiceUnavailable, "model_unavailable", "Model service unavailable")
	errGenerationFailed = newAPIError(http.StatusBadGateway, "generation_failed", "Failed to generate response")
)

type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgentForOwner(ctx context.Context, agentID, ownerID string) (*models.Agent, error)
	ListAgents(ctx context.Context, ownerID string, offset, limit int) ([]models.Agent, error)
	CountAgents(ctx context.Context, ownerID string) (int64, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	TouchAgent(ctx context.Context, agentID string, at time.Time) error
	DeleteAgent(ctx context.Context, agentID, ownerID string) (bool, error)
}

type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, agentID, userID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, agentID, userID string) ([]models.Conversation, error)
	SaveExchange(ctx context.Context, conversationID, prompt, reply string) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	DeleteConversations(ctx context.Context, agentID, userID string) error
}

// Generator is the slice of inference.Manager agents depend on.
type Generator interface {
	Generate(ctx context.Context, id string, req inference.Request) (*inference.Response, error)
	Stream(ctx context.Context, id string, req inference.Request, onChunk func(string) error) (*inference.Response, error)
	Preload(ctx context.Context, ids ...string)
}

type CreateAgentRequest struct {
	Name         string         `json:"name"`
	ModelID      string         `json:"model_id"`
	SystemPrompt string         `json:"system_prompt"`
	Parameters   map[string]any `json:"parameters"`
}

type UpdateAgentRequest struct {
	Name         *string        `json:"name"`
	SystemPrompt *string        `json:"system_prompt"`
	Parameters   map[string]any `json:"parameters"`
}

type AgentList struct {
	Items  []models.Agent `json:"items"`
	Total  int64          `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

type ChatResponse struct {
	Response       string          `json:"response"`
	ConversationID string          `json:"conversation_id"`
	Usage          inference.Usage `json:"usage"`
	FinishReason   string          `json:"finish_reason"`
}

type AgentService struct {
	agents   AgentStore
	convs    ConversationStore
	models   Generator
	payments *PaymentService
	cache    cache.Cache
	breaker  *breaker.Breaker
	tasks    *tasks.Manager
	defaults inference.Params
	now      func() time.Time
}

func NewAgentService(agents AgentStore, convs ConversationStore, gen Generator, payments *PaymentService,
	c cache.Cache, b *breaker.Breaker, tm *tasks.Manager, defaults inference.Params) *AgentService {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	if b == nil {
		b = breaker.New(0, 0)
	}
	if tm == nil {
		tm = tasks.NewManager()
	}
	return &AgentService{
		agents:   agents,
		convs:    convs,
		models:   gen,
		payments: payments,
		cache:    c,
		breaker:  b,
		tasks:    tm,
		defaults: defaults,
		now:      time.Now,
	}
}

func agentKey(id string) string { return "agent:" + id }

func convContextKey(agentID, conversationID string) string {
	return "conv:" + agentID + ":" + conversationID
}

func validateAgentName(name string) error {
	if n := utf8.RuneCountInString(name); n < 1 || n > 100 {
		return badRequest("Name must be between 1 and 100 characters")
	}
	return nil
}

func paramsError(err error) error {
	apiErr := badRequest("Invalid model parameters")
	apiErr.Params = map[string]any{"errors": strings.Split(strings.TrimPrefix(err.Error(), inference.ErrInvalidParams.Error()+": "), "\n")}
	return apiErr
}

// Create stores a new agent after checking the owner's tier and warms its
// model in the background.
func (s *AgentService) Create(ctx context.Context, user *models.User, req CreateAgentRequest) (*models.Agent, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.ModelID = strings.TrimSpace(req.ModelID)
	if err := validateAgentName(req.Name); err != nil {
		return nil, err
	}
	if req.ModelID == "" {
		return nil, badRequest("model_id is required")
	}

	info, err := s.payments.TokenInfo(ctx, user)
	if err != nil {
		return nil, err
	}
	count, err := s.agents.CountAgents(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	if count >= int64(info.Benefits.MaxAgents) {
		apiErr := forbidden("Maximum agent limit reached")
		apiErr.Params = map[string]any{"limit": info.Benefits.MaxAgents, "level": info.LevelName}
		return nil, apiErr
	}
	if !CanUseModel(info, req.ModelID) {
		apiErr := forbidden("Model not available for your token level")
		apiErr.Params = map[string]any{"model_id": req.ModelID, "level": info.LevelName}
		return nil, apiErr
	}

	params, err := inference.ParseParams(req.Parameters, s.defaults)
	if err != nil {
		return nil, paramsError(err)
	}
	prompt := strings.TrimSpace(req.SystemPrompt)
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}

	agent := &models.Agent{
		Name:         req.Name,
		ModelID:      req.ModelID,
		OwnerID:      user.ID,
		SystemPrompt: prompt,
		Parameters:   params.Map(),
	}
	if err := s.agents.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	s.preload(agent.ModelID)
	slog.Info("Agent created", "agent_id", agent.ID, "user_id", user.ID, "model_id", agent.ModelID)
	return agent, nil
}

// preload starts loading modelID unless a load is already underway.
func (s *AgentService) preload(modelID string) {
	_, err := s.tasks.Add("preload:"+modelID, func(ctx context.Context) (any, error) {
		s.models.Preload(ctx, modelID)
		return modelID, nil
	}, nil)
	if err != nil {
		slog.Debug("Model preload already running", "model_id", modelID)
	}
}

func (s *AgentService) List(ctx context.Context, user *models.User, offset, limit int) (*AgentList, error) {
	items, err := s.agents.ListAgents(ctx, user.ID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	total, err := s.agents.CountAgents(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	if items == nil {
		items = []models.Agent{}
	}
	return &AgentList{Items: items, Total: total, Offset: offset, Limit: limit}, nil
}

// Get returns the agent if user owns it. Agents are cached for a few
// minutes under a tag shared with their conversation contexts.
func (s *AgentService) Get(ctx context.Context, user *models.User, id string) (*models.Agent, error) {
	var agent models.Agent
	if cache.GetJSON(ctx, s.cache, agentKey(id), &agent) {
		if agent.OwnerID != user.ID {
			return nil, errAgentNotFound
		}
		return &agent, nil
	}

	found, err := s.agents.GetAgentForOwner(ctx, id, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if found == nil {
		return nil, errAgentNotFound
	}
	if err := cache.SetJSON(ctx, s.cache, agentKey(id), found, agentCacheTTL, agentKey(id)); err != nil {
		slog.Warn("Failed to cache agent", "error", err, "agent_id", id)
	}
	return found, nil
}

// Update applies the set fields. Parameters are merged into the stored ones.
func (s *AgentService) Update(ctx context.Context, user *models.User, id string, req UpdateAgentRequest) (*models.Agent, error) {
	agent, err := s.agents.GetAgentForOwner(ctx, id, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent == nil {
		return nil, errAgentNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if err := validateAgentName(name); err != nil {
			return nil, err
		}
		agent.Name = name
	}
	if req.SystemPrompt != nil {
		agent.SystemPrompt = strings.TrimSpace(*req.SystemPrompt)
		if agent.SystemPrompt == "" {
			agent.SystemPrompt = DefaultSystemPrompt
		}
	}
	if req.Parameters != nil {
		current := s.agentParams(agent)
		merged, err := inference.ParseParams(req.Parameters, current)
		if err != nil {
			return nil, paramsError(err)
		}
		agent.Parameters = merged.Map()
	}

	if err := s.agents.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	if err := s.cache.Delete(ctx, agentKey(id)); err != nil {
		slog.Warn("Failed to invalidate agent cache", "error", err, "agent_id", id)
	}
	return agent, nil
}

// Delete removes the agent and every cached entry tagged with it.
func (s *AgentService) Delete(ctx context.Context, user *models.User, id string) error {
	ok, err := s.agents.DeleteAgent(ctx, id, user.ID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if !ok {
		return errAgentNotFound
	}
	if _, err := s.cache.DeleteByTag(ctx, agentKey(id)); err != nil {
		slog.Warn("Failed to invalidate agent cache", "error", err, "agent_id", id)
	}
	return nil
}

// agentParams parses the stored parameters, falling back to the defaults for
// rows written before a validation rule existed.
func (s *AgentService) agentParams(agent *models.Agent) inference.Params {
	params, err := inference.ParseParams(agent.Parameters, s.defaults)
	if err != nil {
		slog.Warn("Ignoring invalid stored parameters", "agent_id", agent.ID, "error", err)
		return s.defaults
	}
	return params
}

// conversationContext returns the cached context of a conversation or
// rebuilds it from the latest messages.
func (s *AgentService) conversationContext(ctx context.Context, agentID, conversationID string) string {
	key := convContextKey(agentID, conversationID)
	var cached string
	if cache.GetJSON(ctx, s.cache, key, &cached) {
		return cached
	}

	history, err := s.convs.GetHistory(ctx, conversationID, contextHistoryLen)
	if err != nil {
		slog.Error("Failed to build context", "error", err, "conversation_id", conversationID)
		return ""
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	built := strings.Join(lines, "\n")
	if err := cache.SetJSON(ctx, s.cache, key, built, contextCacheTTL, agentKey(agentID)); err != nil {
		slog.Warn("Failed to cache context", "error", err, "conversation_id", conversationID)
	}
	return built
}

// turn is one user message ready to be sent to the agent's model.
type turn struct {
	user         *models.User
	agent        *models.Agent
	conversation *models.Conversation
	message      string
	context      string
}

func (t *turn) request(params inference.Params) inference.Request {
	return inference.Request{
		Prompt:       t.message,
		SystemPrompt: t.agent.SystemPrompt,
		Context:      t.context,
		Params:       params,
	}
}

func (s *AgentService) prepareTurn(ctx context.Context, user *models.User, agentID, message string) (*turn, error) {
	message = strings.TrimSpace(message)
	if n := utf8.RuneCountInString(message); n < 1 || n > maxMessageLength {
		return nil, badRequest(fmt.Sprintf("Message must be between 1 and %d characters", maxMessageLength))
	}

	info, err := s.payments.CheckUserLimits(ctx, user)
	if err != nil {
		return nil, err
	}
	agent, err := s.Get(ctx, user, agentID)
	if err != nil {
		return nil, err
	}
	if !CanUseModel(info, agent.ModelID) {
		apiErr := forbidden("Model not available for your token level")
		apiErr.Params = map[string]any{"model_id": agent.ModelID, "level": info.LevelName}
		return nil, apiErr
	}

	conv, err := s.convs.GetOrCreateConversation(ctx, agent.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &turn{
		user:         user,
		agent:        agent,
		conversation: conv,
		message:      message,
		context:      s.conversationContext(ctx, agent.ID, conv.ID),
	}, nil
}

func generationError(err error, agent *models.Agent) error {
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return errModelUnavailable
	}
	slog.Error("Generation failed", "error", err, "agent_id", agent.ID, "model_id", agent.ModelID)
	return errGenerationFailed
}

// completeTurn persists the exchange, extends the cached context and
// records usage off the request path.
func (s *AgentService) completeTurn(ctx context.Context, t *turn, resp *inference.Response) (*ChatResponse, error) {
	if err := s.convs.SaveExchange(ctx, t.conversation.ID, t.message, resp.Text); err != nil {
		return nil, fmt.Errorf("failed to save messages: %w", err)
	}

	updated := "user: " + t.message + "\nassistant: " + resp.Text
	if t.context != "" {
		updated = t.context + "\n" + updated
	}
	key := convContextKey(t.agent.ID, t.conversation.ID)
	if err := cache.SetJSON(ctx, s.cache, key, updated, contextCacheTTL, agentKey(t.agent.ID)); err != nil {
		slog.Warn("Failed to update context cache", "error", err, "conversation_id", t.conversation.ID)
	}

	if err := s.agents.TouchAgent(ctx, t.agent.ID, s.now()); err != nil {
		slog.Warn("Failed to update agent last_used", "error", err, "agent_id", t.agent.ID)
	}

	userID, tokens := t.user.ID, resp.Usage.TotalTokens
	if _, err := s.tasks.AddFor(userID, "", func(ctx context.Context) (any, error) {
		return tokens, s.payments.RecordUsage(ctx, userID, tokens)
	}, nil); err != nil {
		slog.Error("Failed to schedule usage recording", "error", err, "user_id", userID)
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = inference.FinishReasonStop
	}
	return &ChatResponse{
		Response:       resp.Text,
		ConversationID: t.conversation.ID,
		Usage:          resp.Usage,
		FinishReason:   finish,
	}, nil
}

// Chat sends message to the agent and returns the full reply.
func (s *AgentService) Chat(ctx context.Context, user *models.User, agentID, message string) (*ChatResponse, error) {
	t, err := s.prepareTurn(ctx, user, agentID, message)
	if err != nil {
		return nil, err
	}

	req := t.request(s.agentParams(t.agent))
	resp, err := breaker.Call(ctx, s.breaker, inferenceService, func(ctx context.Context) (*inference.Response, error) {
		return s.models.Generate(ctx, t.agent.ModelID, req)
	})
	if err != nil {
		return nil, generationError(err, t.agent)
	}
	return s.completeTurn(ctx, t, resp)
}

// StreamChat is Chat with the reply delivered through onChunk as it is
// generated.
func (s *AgentService) StreamChat(ctx context.Context, user *models.User, agentID, message string, onChunk func(string) error) (*ChatResponse, error) {
	t, err := s.prepareTurn(ctx, user, agentID, message)
	if err != nil {
		return nil, err
	}

	req := t.request(s.agentParams(t.agent))
	resp, err := breaker.Call(ctx, s.breaker, inferenceService, func(ctx context.Context) (*inference.Response, error) {
		return s.models.Stream(ctx, t.agent.ModelID, req, onChunk)
	})
	if err != nil {
		return nil, generationError(err, t.agent)
	}
	return s.completeTurn(ctx, t, resp)
}

// Conversations lists the user's conversations with an agent.
func (s *AgentService) Conversations(ctx context.Context, user *models.User, agentID string) ([]models.Conversation, error) {
	if _, err := s.Get(ctx, user, agentID); err != nil {
		return nil, err
	}
	convs, err := s.convs.ListConversations(ctx, agentID, user.ID)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs, nil
}

// Messages returns up to limit of the latest messages of a conversation the
// user takes part in.
func (s *AgentService) Messages(ctx context.Context, user *models.User, conversationID string, limit int) ([]models.Message, error) {
	conv, err := s.convs.GetConversation(ctx, conversationID, user.ID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, notFound("Conversation not found")
	}
	msgs, err := s.convs.GetHistory(ctx, conv.ID, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// ClearHistory deletes the user's conversations with an agent and drops
// their cached contexts.
func (s *AgentService) ClearHistory(ctx context.Context, user *models.User, agentID string) error {
	if _, err := s.Get(ctx, user, agentID); err != nil {
		return err
	}
	if err := s.convs.DeleteConversations(ctx, agentID, user.ID); err != nil {
		return err
	}
	if _, err := s.cache.Clear(ctx, "conv:"+agentID+":*"); err != nil {
		slog.Warn("Failed to clear context cache", "error", err, "agent_id", agentID)
	}
	return nil
}
