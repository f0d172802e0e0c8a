package services

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/wayl-ai/wayl/inference"
	"github.com/wayl-ai/wayl/models"
)

type SeedStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	ListAgents(ctx context.Context, ownerID string, offset, limit int) ([]models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
}

// DatabaseSeeder handles database seeding operations
type DatabaseSeeder struct {
	repo         SeedStore
	defaultModel string
	params       inference.Params
}

func NewDatabaseSeeder(repo SeedStore, defaultModel string, params inference.Params) *DatabaseSeeder {
	return &DatabaseSeeder{repo: repo, defaultModel: defaultModel, params: params}
}

// SeedDatabase creates the demo users and their starter agents. Running it
// again leaves existing rows alone.
func (s *DatabaseSeeder) SeedDatabase(ctx context.Context) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	// No admin users for security
	users := []models.User{
		{Username: "test", Email: "test@example.com", Password: string(hashedPassword), Role: models.RoleUser},
		{Username: "demo", Email: "demo@example.com", Password: string(hashedPassword), Role: models.RoleUser},
	}

	for _, user := range users {
		owner, err := s.seedUser(ctx, user)
		if err != nil {
			slog.Error("Failed to seed user", "email", user.Email, "error", err)
			continue
		}

		agents := []models.Agent{
			{
				Name:         "Wayl Assistant",
				ModelID:      s.defaultModel,
				OwnerID:      owner.ID,
				SystemPrompt: DefaultSystemPrompt,
				Parameters:   s.params.Map(),
			},
			{
				Name:         "Solana Guide",
				ModelID:      s.defaultModel,
				OwnerID:      owner.ID,
				SystemPrompt: "You explain Solana wallets, SPL tokens and transactions in plain language.",
				Parameters:   s.params.Map(),
			},
		}
		for _, agent := range agents {
			if err := s.seedAgent(ctx, agent); err != nil {
				slog.Error("Failed to seed agent", "name", agent.Name, "error", err)
			}
		}
	}

	slog.Info("Database seeding completed successfully")
	return nil
}

// seedUser returns the existing user with the same email or creates it.
func (s *DatabaseSeeder) seedUser(ctx context.Context, user models.User) (*models.User, error) {
	existingUser, err := s.repo.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return nil, fmt.Errorf("error checking user %s: %w", user.Email, err)
	}
	if existingUser != nil {
		slog.Info("User already exists, skipping", "email", user.Email)
		return existingUser, nil
	}

	if err := s.repo.CreateUser(ctx, &user); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", user.Email, err)
	}
	slog.Info("Created user", "email", user.Email)
	return &user, nil
}

// seedAgent creates agent unless its owner already has one with that name.
func (s *DatabaseSeeder) seedAgent(ctx context.Context, agent models.Agent) error {
	existing, err := s.repo.ListAgents(ctx, agent.OwnerID, 0, 100)
	if err != nil {
		return fmt.Errorf("error checking agents: %w", err)
	}
	for _, a := range existing {
		if a.Name == agent.Name {
			slog.Info("Agent already exists, skipping", "name", agent.Name, "owner_id", agent.OwnerID)
			return nil
		}
	}

	if err := s.repo.CreateAgent(ctx, &agent); err != nil {
		return fmt.Errorf("failed to create agent %s: %w", agent.Name, err)
	}
	slog.Info("Created agent", "name", agent.Name, "owner_id", agent.OwnerID)
	return nil
}
