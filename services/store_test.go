package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayl-ai/wayl/blockchain"
	"github.com/wayl-ai/wayl/inference"
	"github.com/wayl-ai/wayl/models"
	"github.com/wayl-ai/wayl/repository"
)

// memStore is an in-memory stand-in for the GORM repositories.
type memStore struct {
	mu            sync.Mutex
	users         map[string]*models.User
	refresh       map[string]*models.RefreshToken
	apiKeys       map[string]*models.APIKey
	agents        map[string]*models.Agent
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	usage         map[string]*models.UsageRecord
	payments      []models.PaymentRecord
	audit         []models.AuditLog
}

func newMemStore() *memStore {
	return &memStore{
		users:         make(map[string]*models.User),
		refresh:       make(map[string]*models.RefreshToken),
		apiKeys:       make(map[string]*models.APIKey),
		agents:        make(map[string]*models.Agent),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		usage:         make(map[string]*models.UsageRecord),
	}
}

func copyUser(u *models.User) *models.User {
	c := *u
	return &c
}

func (s *memStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username || u.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now()
	s.users[user.ID] = copyUser(user)
	return nil
}

func (s *memStore) findUser(match func(*models.User) bool) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (s *memStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	return s.findUser(func(u *models.User) bool { return u.Username == username })
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return s.findUser(func(u *models.User) bool { return u.Email == email })
}

func (s *memStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	return s.findUser(func(u *models.User) bool { return u.ID == id })
}

func (s *memStore) GetUserByWallet(_ context.Context, address string) (*models.User, error) {
	return s.findUser(func(u *models.User) bool { return u.WalletAddress != nil && *u.WalletAddress == address })
}

func (s *memStore) UpdateUserWallet(_ context.Context, userID string, address *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.WalletAddress = address
	}
	return nil
}

func (s *memStore) CreateRefreshToken(_ context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.ID = uuid.NewString()
	c := *token
	s.refresh[token.Token] = &c
	return nil
}

func (s *memStore) GetRefreshToken(_ context.Context, token string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[token]
	if !ok || time.Now().After(t.ExpiresAt) {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (s *memStore) DeleteAllUserTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.refresh {
		if t.UserID == userID {
			delete(s.refresh, k)
		}
	}
	return nil
}

func (s *memStore) PurgeExpiredRefreshTokens(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.refresh {
		if t.ExpiresAt.Before(before) {
			delete(s.refresh, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.ID = uuid.NewString()
	c := *key
	s.apiKeys[key.ID] = &c
	return nil
}

func (s *memStore) GetActiveAPIKey(_ context.Context, keyHash string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash == keyHash && k.RevokedAt == nil {
			c := *k
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

func (s *memStore) ListAPIKeys(_ context.Context, userID string) ([]models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.APIKey
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (s *memStore) RevokeAPIKey(_ context.Context, userID, keyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok || k.UserID != userID || k.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	k.RevokedAt = &now
	return true, nil
}

func (s *memStore) RevokeAllAPIKeys(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, k := range s.apiKeys {
		if k.UserID == userID && k.RevokedAt == nil {
			k.RevokedAt = &now
		}
	}
	return nil
}

func (s *memStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	agent.CreatedAt = time.Now()
	c := *agent
	s.agents[agent.ID] = &c
	return nil
}

func (s *memStore) GetAgentForOwner(_ context.Context, agentID, ownerID string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok || a.OwnerID != ownerID {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (s *memStore) ListAgents(_ context.Context, ownerID string, offset, limit int) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Agent
	for _, a := range s.agents {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountAgents(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.agents {
		if a.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *agent
	s.agents[agent.ID] = &c
	return nil
}

func (s *memStore) TouchAgent(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[agentID]; ok {
		a.LastUsed = &at
	}
	return nil
}

func (s *memStore) DeleteAgent(_ context.Context, agentID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok || a.OwnerID != ownerID {
		return false, nil
	}
	delete(s.agents, agentID)
	return true, nil
}

func (s *memStore) GetOrCreateConversation(_ context.Context, agentID, userID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.AgentID == agentID && c.UserID == userID {
			cp := *c
			return &cp, nil
		}
	}
	c := &models.Conversation{ID: uuid.NewString(), AgentID: agentID, UserID: userID, CreatedAt: time.Now()}
	s.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memStore) GetConversation(_ context.Context, conversationID, userID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListConversations(_ context.Context, agentID, userID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.AgentID == agentID && c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) SaveExchange(_ context.Context, conversationID, prompt, reply string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.messages[conversationID] = append(s.messages[conversationID],
		models.Message{ID: uuid.NewString(), ConversationID: conversationID, Role: models.RoleUser, Content: prompt, CreatedAt: now},
		models.Message{ID: uuid.NewString(), ConversationID: conversationID, Role: models.RoleAssistant, Content: reply, CreatedAt: now},
	)
	return nil
}

func (s *memStore) GetHistory(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.Message(nil), msgs...), nil
}

func (s *memStore) DeleteConversations(_ context.Context, agentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conversations {
		if c.AgentID == agentID && c.UserID == userID {
			delete(s.conversations, id)
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *memStore) GetTodayUsage(_ context.Context, userID string, now time.Time) (*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[userID]; ok {
		c := *u
		return &c, nil
	}
	return &models.UsageRecord{UserID: userID, Date: now.UTC().Truncate(24 * time.Hour)}, nil
}

func (s *memStore) IncrementUsage(_ context.Context, userID string, now time.Time, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[userID]
	if !ok {
		u = &models.UsageRecord{UserID: userID, Date: now.UTC().Truncate(24 * time.Hour)}
		s.usage[userID] = u
	}
	u.RequestCount++
	u.TokensUsed += tokens
	return nil
}

func (s *memStore) setUsage(userID string, requests int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[userID] = &models.UsageRecord{UserID: userID, RequestCount: requests}
}

func (s *memStore) CreatePayment(_ context.Context, payment *models.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.TxHash == payment.TxHash {
			return repository.ErrDuplicate
		}
	}
	payment.ID = uuid.NewString()
	s.payments = append(s.payments, *payment)
	return nil
}

func (s *memStore) PaymentExists(_ context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.TxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListPayments(_ context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentRecord
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CreateAuditLog(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *memStore) GetAuditLog(_ context.Context, id string) (*models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.audit {
		if e.ID == id {
			c := e
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memStore) QueryAuditLogs(_ context.Context, f repository.AuditFilter) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, e := range s.audit {
		switch {
		case !f.Start.IsZero() && e.Timestamp.Before(f.Start):
		case !f.End.IsZero() && e.Timestamp.After(f.End):
		case f.EventType != "" && e.EventType != f.EventType:
		case f.UserID != "" && (e.UserID == nil || *e.UserID != f.UserID):
		case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		default:
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) PurgeAuditLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var n int64
	for _, e := range s.audit {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return n, nil
}

func (s *memStore) auditEvents() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.audit...)
}

func (s *memStore) usageFor(userID string) models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[userID]; ok {
		return *u
	}
	return models.UsageRecord{}
}

// fakeLedger serves balances per wallet and a fixed transfer verdict.
type fakeLedger struct {
	mu           sync.Mutex
	balances     map[string]float64
	balanceCalls int
	transferErr  error
	history      []blockchain.HistoryEntry
}

func (l *fakeLedger) GetTokenBalance(_ context.Context, owner string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceCalls++
	return l.balances[owner], nil
}

func (l *fakeLedger) VerifyTransfer(_ context.Context, sig, from, to string, minAmount float64) (*blockchain.Transfer, error) {
	if l.transferErr != nil {
		return nil, l.transferErr
	}
	return &blockchain.Transfer{Signature: sig, From: from, To: to, Amount: minAmount}, nil
}

func (l *fakeLedger) History(context.Context, string, int, string) ([]blockchain.HistoryEntry, error) {
	return l.history, nil
}

// fakeGenerator echoes the prompt, or fails with err when set.
type fakeGenerator struct {
	mu        sync.Mutex
	err       error
	requests  []inference.Request
	preloaded []string
}

func (g *fakeGenerator) reply(req inference.Request) (*inference.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	text := "echo: " + req.Prompt
	return &inference.Response{Text: text, Usage: inference.EstimateUsage(req.Prompt, text)}, nil
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, req inference.Request) (*inference.Response, error) {
	return g.reply(req)
}

func (g *fakeGenerator) Stream(_ context.Context, _ string, req inference.Request, onChunk func(string) error) (*inference.Response, error) {
	resp, err := g.reply(req)
	if err != nil {
		return nil, err
	}
	for _, w := range []string{"echo: ", req.Prompt} {
		if err := onChunk(w); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (g *fakeGenerator) Preload(_ context.Context, ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preloaded = append(g.preloaded, ids...)
}

func (g *fakeGenerator) lastRequest() inference.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}
