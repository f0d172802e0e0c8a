package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/metrics"
	"github.com/wayl-ai/wayl/models"
	"github.com/wayl-ai/wayl/ratelimit"
	"github.com/wayl-ai/wayl/repository"
)

const (
	EventUserRegistered     = "user.registered"
	EventLogin              = "auth.login"
	EventLoginFailed        = "auth.login_failed"
	EventLogout             = "auth.logout"
	EventTokensRevoked      = "auth.tokens_revoked"
	EventWalletConnected    = "wallet.connected"
	EventWalletDisconnected = "wallet.disconnected"
	EventAPIKeyCreated      = "api_key.created"
	EventAPIKeyRevoked      = "api_key.revoked"
	EventAgentCreated       = "agent.created"
	EventAgentUpdated       = "agent.updated"
	EventAgentDeleted       = "agent.deleted"
	EventPayment            = "payment.processed"
)

const (
	auditIndexKey = "audit_events"
	redacted      = "********"
)

var sensitiveFields = []string{"password", "token", "secret", "key", "credential"}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	GetAuditLog(ctx context.Context, id string) (*models.AuditLog, error)
	QueryAuditLogs(ctx context.Context, f repository.AuditFilter) ([]models.AuditLog, error)
	PurgeAuditLogs(ctx context.Context, before time.Time) (int64, error)
}

// AuditEvent is the caller-supplied part of an audit log entry.
type AuditEvent struct {
	EventType    string
	UserID       string
	ResourceType string
	ResourceID   string
	Action       string
	Status       string
	Details      map[string]any
	IPAddress    string
	UserAgent    string
}

type AuditService struct {
	repo      AuditStore
	cache     cache.Cache
	index     *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewAuditService persists events to repo and mirrors them in c. index, when
// set, keeps the audit_events sorted set by timestamp.
func NewAuditService(repo AuditStore, c cache.Cache, index *redis.Client, retentionDays int) *AuditService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &AuditService{
		repo:      repo,
		cache:     c,
		index:     index,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

func (s *AuditService) Retention() time.Duration { return s.retention }

// sanitize masks values whose key names look like credentials.
func sanitize(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitize(nested)
			continue
		}
		lower := strings.ToLower(k)
		masked := false
		for _, f := range sensitiveFields {
			if strings.Contains(lower, f) {
				masked = true
				break
			}
		}
		if masked {
			out[k] = redacted
		} else {
			out[k] = v
		}
	}
	return out
}

// LogEvent sanitizes and stores an event.
func (s *AuditService) LogEvent(ctx context.Context, ev AuditEvent) (*models.AuditLog, error) {
	entry := &models.AuditLog{
		ID:           uuid.NewString(),
		Timestamp:    s.now().UTC(),
		EventType:    ev.EventType,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Action:       ev.Action,
		Status:       ev.Status,
		Details:      sanitize(ev.Details),
		IPAddress:    ev.IPAddress,
		UserAgent:    ev.UserAgent,
	}
	if ev.UserID != "" {
		uid := ev.UserID
		entry.UserID = &uid
	}

	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store audit event: %w", err)
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, "audit:"+entry.ID, entry, s.retention); err != nil {
			slog.Warn("Failed to cache audit event", "error", err, "event_id", entry.ID)
		}
	}
	if s.index != nil {
		score := float64(entry.Timestamp.UnixNano()) / 1e9
		if err := s.index.ZAdd(ctx, auditIndexKey, redis.Z{Score: score, Member: entry.ID}).Err(); err != nil {
			slog.Warn("Failed to index audit event", "error", err, "event_id", entry.ID)
		}
	}

	metrics.AuditEvent(entry.EventType)
	slog.Info("Audit event logged", "event_id", entry.ID, "event_type", entry.EventType)
	return entry, nil
}

// Record logs an event for an HTTP request. Failures are logged, not returned,
// so auditing never fails the request. A nil service is a no-op.
func (s *AuditService) Record(r *http.Request, ev AuditEvent) {
	if s == nil {
		return
	}
	if ev.IPAddress == "" {
		ev.IPAddress = ratelimit.ClientIP(r)
	}
	if ev.UserAgent == "" {
		ev.UserAgent = r.UserAgent()
	}
	if _, err := s.LogEvent(r.Context(), ev); err != nil {
		slog.Error("Failed to log audit event", "error", err, "event_type", ev.EventType)
	}
}

func (s *AuditService) Events(ctx context.Context, f repository.AuditFilter) ([]models.AuditLog, error) {
	events, err := s.repo.QueryAuditLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve audit events: %w", err)
	}
	return events, nil
}

// Event returns an event from the cache, falling back to the database.
func (s *AuditService) Event(ctx context.Context, id string) (*models.AuditLog, error) {
	if s.cache != nil {
		var entry models.AuditLog
		if cache.GetJSON(ctx, s.cache, "audit:"+id, &entry) {
			return &entry, nil
		}
	}
	entry, err := s.repo.GetAuditLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve audit event: %w", err)
	}
	return entry, nil
}

// UserActivity returns the user's events over the last days.
func (s *AuditService) UserActivity(ctx context.Context, userID string, days int) ([]models.AuditLog, error) {
	if days <= 0 {
		days = 30
	}
	start := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	return s.Events(ctx, repository.AuditFilter{Start: start, UserID: userID, Limit: 1000})
}

// Purge removes events older than the retention period.
func (s *AuditService) Purge(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.repo.PurgeAuditLogs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	if s.index != nil {
		upper := strconv.FormatInt(cutoff.Unix(), 10)
		if err := s.index.ZRemRangeByScore(ctx, auditIndexKey, "-inf", upper).Err(); err != nil {
			slog.Warn("Failed to trim audit index", "error", err)
		}
	}
	slog.Info("Audit logs purged", "count", n, "before", cutoff)
	return n, nil
}
