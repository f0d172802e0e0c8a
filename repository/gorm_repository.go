package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wayl-ai/wayl/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicate is returned when an insert or update violates a unique constraint.
var ErrDuplicate = errors.New("record already exists")

const uniqueViolation = "23505"

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// DB exposes the underlying handle for callers that need transactions.
func (r *GORMRepository) DB() *gorm.DB {
	return r.db
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.APIKey{},
		&models.Agent{},
		&models.Conversation{},
		&models.Message{},
		&models.UsageRecord{},
		&models.PaymentRecord{},
		&models.AuditLog{},
	)
}

// Ping checks the database connection.
func (r *GORMRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// utcDay truncates t to midnight UTC.
func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// User operations
func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		slog.Error("Failed to create user", "error", err)
		return err
	}
	slog.Info("User created", "user_id", user.ID, "username", user.Username)
	return nil
}

func (r *GORMRepository) getUser(ctx context.Context, column, value string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where(column+" = ?", value).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get user", "error", err, "by", column)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getUser(ctx, "email", email)
}

func (r *GORMRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getUser(ctx, "username", username)
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return r.getUser(ctx, "id", id)
}

func (r *GORMRepository) GetUserByWallet(ctx context.Context, address string) (*models.User, error) {
	return r.getUser(ctx, "wallet_address", address)
}

// UpdateUserWallet sets or clears (nil) the wallet linked to a user.
func (r *GORMRepository) UpdateUserWallet(ctx context.Context, userID string, address *string) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("wallet_address", address).Error
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		slog.Error("Failed to update wallet", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// Token operations
func (r *GORMRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create refresh token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	var refreshToken models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ? AND expires_at > ?", token, time.Now()).First(&refreshToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get refresh token", "error", err)
		return nil, err
	}
	return &refreshToken, nil
}

func (r *GORMRepository) DeleteAllUserTokens(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
		slog.Error("Failed to delete user refresh tokens", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// PurgeExpiredRefreshTokens hard-deletes refresh tokens that expired before t.
func (r *GORMRepository) PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().Where("expires_at < ?", before).Delete(&models.RefreshToken{})
	if res.Error != nil {
		slog.Error("Failed to purge refresh tokens", "error", res.Error)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// API key operations
func (r *GORMRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		slog.Error("Failed to create api key", "error", err, "user_id", key.UserID)
		return err
	}
	return nil
}

// GetActiveAPIKey returns the unrevoked, unexpired key with the given hash.
func (r *GORMRepository) GetActiveAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var key models.APIKey
	err := r.db.WithContext(ctx).
		Where("key_hash = ? AND revoked_at IS NULL AND expires_at > ?", keyHash, time.Now()).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get api key", "error", err)
		return nil, err
	}
	return &key, nil
}

func (r *GORMRepository) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id).Update("last_used_at", at).Error
}

func (r *GORMRepository) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&keys).Error
	if err != nil {
		slog.Error("Failed to list api keys", "error", err, "user_id", userID)
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey marks one of the user's keys revoked. It reports false when no
// active key matched.
func (r *GORMRepository) RevokeAPIKey(ctx context.Context, userID, keyID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", keyID, userID).
		Update("revoked_at", time.Now())
	if res.Error != nil {
		slog.Error("Failed to revoke api key", "error", res.Error, "key_id", keyID)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GORMRepository) RevokeAllAPIKeys(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", time.Now()).Error
}

// Agent operations
func (r *GORMRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		slog.Error("Failed to create agent", "error", err)
		return err
	}
	slog.Info("Agent created", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgentForOwner returns the agent only when it belongs to ownerID.
func (r *GORMRepository) GetAgentForOwner(ctx context.Context, agentID, ownerID string) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", agentID, ownerID).First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID, "owner_id", ownerID)
		return nil, err
	}
	return &agent, nil
}

func (r *GORMRepository) ListAgents(ctx context.Context, ownerID string, offset, limit int) ([]models.Agent, error) {
	var agents []models.Agent
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&agents).Error
	if err != nil {
		slog.Error("Failed to list agents", "error", err, "owner_id", ownerID)
		return nil, err
	}
	return agents, nil
}

func (r *GORMRepository) CountAgents(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Agent{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		slog.Error("Failed to count agents", "error", err, "owner_id", ownerID)
		return 0, err
	}
	return count, nil
}

func (r *GORMRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		slog.Error("Failed to update agent", "error", err, "agent_id", agent.ID)
		return err
	}
	slog.Info("Agent updated", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

func (r *GORMRepository) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID).Update("last_used", at).Error
}

// DeleteAgent soft-deletes the agent. It reports false when nothing matched.
func (r *GORMRepository) DeleteAgent(ctx context.Context, agentID, ownerID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", agentID, ownerID).Delete(&models.Agent{})
	if res.Error != nil {
		slog.Error("Failed to delete agent", "error", res.Error, "agent_id", agentID)
		return false, res.Error
	}
	slog.Info("Agent deleted", "agent_id", agentID)
	return res.RowsAffected > 0, nil
}

// Usage operations

// GetTodayUsage returns the usage row for the UTC day of now, creating it if needed.
func (r *GORMRepository) GetTodayUsage(ctx context.Context, userID string, now time.Time) (*models.UsageRecord, error) {
	record := models.UsageRecord{UserID: userID, Date: utcDay(now)}
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, record.Date).
		FirstOrCreate(&record).Error
	if err != nil {
		slog.Error("Failed to get usage record", "error", err, "user_id", userID)
		return nil, err
	}
	return &record, nil
}

// IncrementUsage adds one request and tokens to the user's row for the day of now.
func (r *GORMRepository) IncrementUsage(ctx context.Context, userID string, now time.Time, tokens int) error {
	record := models.UsageRecord{UserID: userID, Date: utcDay(now), RequestCount: 1, TokensUsed: tokens}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"request_count": gorm.Expr("usage_records.request_count + ?", 1),
			"tokens_used":   gorm.Expr("usage_records.tokens_used + ?", tokens),
			"updated_at":    now,
		}),
	}).Create(&record).Error
	if err != nil {
		slog.Error("Failed to increment usage", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// Payment operations
func (r *GORMRepository) CreatePayment(ctx context.Context, payment *models.PaymentRecord) error {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		slog.Error("Failed to create payment", "error", err, "tx_hash", payment.TxHash)
		return err
	}
	slog.Info("Payment recorded", "payment_id", payment.ID, "user_id", payment.UserID, "status", payment.Status)
	return nil
}

func (r *GORMRepository) PaymentExists(ctx context.Context, txHash string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).Where("tx_hash = ?", txHash).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GORMRepository) ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	var payments []models.PaymentRecord
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&payments).Error
	if err != nil {
		slog.Error("Failed to list payments", "error", err, "user_id", userID)
		return nil, err
	}
	return payments, nil
}

// Audit operations

// AuditFilter narrows audit queries. Zero values are ignored.
type AuditFilter struct {
	Start        time.Time
	End          time.Time
	EventType    string
	UserID       string
	ResourceType string
	Offset       int
	Limit        int
}

func (r *GORMRepository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		slog.Error("Failed to store audit log", "error", err, "event_type", entry.EventType)
		return err
	}
	return nil
}

func (r *GORMRepository) GetAuditLog(ctx context.Context, id string) (*models.AuditLog, error) {
	var entry models.AuditLog
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// QueryAuditLogs returns matching entries, newest first.
func (r *GORMRepository) QueryAuditLogs(ctx context.Context, f AuditFilter) ([]models.AuditLog, error) {
	query := r.db.WithContext(ctx).Model(&models.AuditLog{})
	if !f.Start.IsZero() {
		query = query.Where("timestamp >= ?", f.Start)
	}
	if !f.End.IsZero() {
		query = query.Where("timestamp <= ?", f.End)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.ResourceType != "" {
		query = query.Where("resource_type = ?", f.ResourceType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var entries []models.AuditLog
	if err := query.Order("timestamp DESC").Offset(f.Offset).Limit(limit).Find(&entries).Error; err != nil {
		slog.Error("Failed to query audit logs", "error", err)
		return nil, err
	}
	return entries, nil
}

func (r *GORMRepository) PurgeAuditLogs(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&models.AuditLog{})
	if res.Error != nil {
		slog.Error("Failed to purge audit logs", "error", res.Error)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
