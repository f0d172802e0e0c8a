package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wayl-ai/wayl/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestGetUserByEmailNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGORMRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	user, err := repo.GetUserByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByEmailFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGORMRepository(db)

	rows := sqlmock.NewRows([]string{"id", "username", "email", "role"}).
		AddRow("u-1", "alice", "alice@example.com", "user")
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).WillReturnRows(rows)

	user, err := repo.GetUserByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.False(t, user.IsAdmin())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGORMRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "users"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := repo.CreateUser(context.Background(), &models.User{Username: "alice", Email: "alice@example.com"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAgents(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGORMRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "agents" WHERE owner_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountAgents(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAPIKeyNoMatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGORMRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "api_keys" SET "revoked_at"=\$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.RevokeAPIKey(context.Background(), "u-1", "k-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentExists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGORMRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "payment_records" WHERE tx_hash = \$1`).
		WithArgs("sig-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := repo.PaymentExists(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHistoryIsChronological(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "created_at"}).
		AddRow("m-3", "c-1", "assistant", "third", now).
		AddRow("m-2", "c-1", "user", "second", now.Add(-time.Minute)).
		AddRow("m-1", "c-1", "assistant", "first", now.Add(-2*time.Minute))
	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_id = \$1 ORDER BY created_at DESC LIMIT`).
		WillReturnRows(rows)

	messages, err := repo.GetHistory(context.Background(), "c-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "third", messages[2].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	in := time.Date(2025, 3, 2, 3, 30, 0, 0, loc)

	got := utcDay(in)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), got)
}
