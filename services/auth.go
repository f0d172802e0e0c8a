package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wayl-ai/wayl/blockchain"
	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/models"
	"github.com/wayl-ai/wayl/repository"
)

// AuthStore is the persistence AuthService needs.
type AuthStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByWallet(ctx context.Context, address string) (*models.User, error)
	UpdateUserWallet(ctx context.Context, userID string, address *string) error

	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	DeleteAllUserTokens(ctx context.Context, userID string) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetActiveAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, keyID string) (bool, error)
	RevokeAllAPIKeys(ctx context.Context, userID string) error
}

var (
	errInvalidCredentials = newAPIError(http.StatusUnauthorized, "invalid_credentials", "Incorrect username or password")
	errUsernameTaken      = newAPIError(http.StatusBadRequest, "username_taken", "Username already registered")
	errEmailTaken         = newAPIError(http.StatusBadRequest, "email_taken", "Email already registered")
	errInvalidRefresh     = newAPIError(http.StatusUnauthorized, "invalid_refresh_token", "Invalid refresh token")
	errWalletConnected    = newAPIError(http.StatusBadRequest, "wallet_connected", "Wallet already connected")
	errNoWallet           = newAPIError(http.StatusBadRequest, "no_wallet", "No wallet connected")
	errWalletInUse        = newAPIError(http.StatusConflict, "wallet_in_use", "Wallet is connected to another account")
	errInvalidWallet      = newAPIError(http.StatusBadRequest, "invalid_wallet", "Invalid wallet address")
	errInvalidSignature   = newAPIError(http.StatusBadRequest, "invalid_signature", "Invalid signature")
)

const (
	blacklistPrefix = "token_blacklist:"
	revokedPrefix   = "tokens_revoked:"
	apiKeyBytes     = 32
)

type AuthService struct {
	repo          AuthStore
	cache         cache.Cache
	jwtSecret     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	apiKeyExpiry  time.Duration
	secureCookies bool
	now           func() time.Time
}

type Claims struct {
	Role string `json:"role,omitempty"`
	// IssuedNano is the issue time in unix nanoseconds; iat only has
	// second precision.
	IssuedNano int64 `json:"iat_ns,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) issuedAt() int64 {
	if c.IssuedNano != 0 {
		return c.IssuedNano
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.UnixNano()
	}
	return 0
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// NewAuthService wires the service. Revocation state lives in c, which falls
// back to process memory when nil.
func NewAuthService(repo AuthStore, c cache.Cache, cfg *Config) *AuthService {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	s := &AuthService{
		repo:          repo,
		cache:         c,
		jwtSecret:     []byte(cfg.Security.SecretKey),
		accessExpiry:  cfg.Security.AccessTokenExpire,
		refreshExpiry: cfg.Security.RefreshTokenExpire,
		apiKeyExpiry:  cfg.Security.APIKeyExpire,
		secureCookies: cfg.Server.Environment == "production",
		now:           time.Now,
	}
	if s.accessExpiry <= 0 {
		s.accessExpiry = 30 * time.Minute
	}
	if s.refreshExpiry <= 0 {
		s.refreshExpiry = 7 * 24 * time.Hour
	}
	if s.apiKeyExpiry <= 0 {
		s.apiKeyExpiry = 30 * 24 * time.Hour
	}
	return s
}

// generateSecureToken generates a cryptographically secure random token
func (s *AuthService) generateSecureToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashToken creates a SHA256 hash of the token for secure storage
func (s *AuthService) hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Register creates a new user with a bcrypt password hash.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	switch {
	case len(username) < 3 || len(username) > 64:
		return nil, badRequest("Username must be between 3 and 64 characters")
	case len(password) < 8:
		return nil, badRequest("Password must be at least 8 characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, badRequest("Invalid email address")
	}

	existing, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return nil, errUsernameTaken
	}
	existing, err = s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return nil, errEmailTaken
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username: username,
		Email:    email,
		Password: string(hashedPassword),
		Role:     models.RoleUser,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, badRequest("Username or email already registered")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("User registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Login checks the password and issues an access and refresh token pair.
func (s *AuthService) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	user, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, errInvalidCredentials
	}

	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refreshToken, err := s.generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	record := &models.RefreshToken{
		UserID:    user.ID,
		Token:     s.hashToken(refreshToken),
		ExpiresAt: s.now().Add(s.refreshExpiry),
	}
	if err := s.repo.CreateRefreshToken(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	slog.Info("User logged in successfully", "user_id", user.ID)
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		UserID:       user.ID,
		RefreshToken: refreshToken,
		ExpiresIn:    int(s.accessExpiry.Seconds()),
	}, nil
}

// Refresh issues a new access token for a stored, unexpired refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, errInvalidRefresh
	}
	record, err := s.repo.GetRefreshToken(ctx, s.hashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if record == nil {
		return nil, errInvalidRefresh
	}

	user, err := s.repo.GetUserByID(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, errInvalidRefresh
	}

	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	slog.Info("Access token refreshed", "user_id", user.ID)
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		UserID:      user.ID,
		ExpiresIn:   int(s.accessExpiry.Seconds()),
	}, nil
}

// Logout blacklists the presented access token for the rest of its lifetime
// and deletes the user's refresh tokens.
func (s *AuthService) Logout(ctx context.Context, userID string, claims *Claims) error {
	if claims != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if ttl := claims.ExpiresAt.Sub(s.now()); ttl > 0 {
			if err := s.cache.Set(ctx, blacklistPrefix+claims.ID, []byte("1"), ttl); err != nil {
				return fmt.Errorf("failed to blacklist token: %w", err)
			}
		}
	}
	if err := s.repo.DeleteAllUserTokens(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user tokens: %w", err)
	}

	slog.Info("User logged out", "user_id", userID)
	return nil
}

// RevokeAllTokens invalidates every access token issued so far, all refresh
// tokens and all API keys of the user.
func (s *AuthService) RevokeAllTokens(ctx context.Context, userID string) error {
	stamp := strconv.FormatInt(s.now().UnixNano(), 10)
	if err := s.cache.Set(ctx, revokedPrefix+userID, []byte(stamp), s.accessExpiry); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	if err := s.repo.DeleteAllUserTokens(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user tokens: %w", err)
	}
	if err := s.repo.RevokeAllAPIKeys(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke api keys: %w", err)
	}

	slog.Info("All tokens revoked", "user_id", userID)
	return nil
}

// VerifyAccessToken verifies and extracts user from access token
func (s *AuthService) VerifyAccessToken(ctx context.Context, token string) (*models.User, *Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, nil, fmt.Errorf("invalid token")
	}

	if _, found, _ := s.cache.Get(ctx, blacklistPrefix+claims.ID); found {
		return nil, nil, fmt.Errorf("token has been revoked")
	}
	if raw, found, _ := s.cache.Get(ctx, revokedPrefix+claims.Subject); found {
		if revokedAt, err := strconv.ParseInt(string(raw), 10, 64); err == nil && claims.issuedAt() <= revokedAt {
			return nil, nil, fmt.Errorf("token has been revoked")
		}
	}

	user, err := s.repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, nil, fmt.Errorf("user not found")
	}
	return user, claims, nil
}

// generateAccessToken creates a short-lived HS256 token with sub set to the user id
func (s *AuthService) generateAccessToken(user *models.User) (string, error) {
	now := s.now()
	claims := &Claims{
		Role:       user.Role,
		IssuedNano: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// CreateAPIKey returns the plaintext key once; only its hash is stored.
func (s *AuthService) CreateAPIKey(ctx context.Context, userID, name string) (string, *models.APIKey, error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)

	key := &models.APIKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   s.hashToken(plain),
		Prefix:    plain[:8],
		ExpiresAt: s.now().Add(s.apiKeyExpiry),
	}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("failed to store api key: %w", err)
	}

	slog.Info("API key created", "user_id", userID, "key_id", key.ID)
	return plain, key, nil
}

func (s *AuthService) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	return s.repo.ListAPIKeys(ctx, userID)
}

func (s *AuthService) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	ok, err := s.repo.RevokeAPIKey(ctx, userID, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if !ok {
		return notFound("API key not found")
	}
	slog.Info("API key revoked", "user_id", userID, "key_id", keyID)
	return nil
}

// AuthenticateAPIKey resolves the owner of an active key.
func (s *AuthService) AuthenticateAPIKey(ctx context.Context, plain string) (*models.User, error) {
	key, err := s.repo.GetActiveAPIKey(ctx, s.hashToken(plain))
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	now := s.now()
	if key == nil || !key.Active(now) {
		return nil, fmt.Errorf("invalid api key")
	}
	if err := s.repo.TouchAPIKey(ctx, key.ID, now); err != nil {
		slog.Warn("Failed to update api key usage", "error", err, "key_id", key.ID)
	}

	user, err := s.repo.GetUserByID(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}
	return user, nil
}

// WalletMessage is the text a wallet signs to prove ownership.
func WalletMessage(address, userID string) string {
	return fmt.Sprintf("Connect wallet %s to WAYL AI Platform user %s", address, userID)
}

// ConnectWallet links a Solana wallet after checking an ed25519 signature of
// WalletMessage.
func (s *AuthService) ConnectWallet(ctx context.Context, user *models.User, address, signature string) error {
	if user.WalletAddress != nil {
		return errWalletConnected
	}
	if err := blockchain.ValidateAddress(address); err != nil {
		return errInvalidWallet
	}
	if err := blockchain.VerifySignature(address, WalletMessage(address, user.ID), signature); err != nil {
		return errInvalidSignature
	}

	owner, err := s.repo.GetUserByWallet(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to check wallet owner: %w", err)
	}
	if owner != nil && owner.ID != user.ID {
		return errWalletInUse
	}

	if err := s.repo.UpdateUserWallet(ctx, user.ID, &address); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return errWalletInUse
		}
		return fmt.Errorf("failed to connect wallet: %w", err)
	}
	user.WalletAddress = &address

	slog.Info("Wallet connected", "user_id", user.ID, "wallet", address)
	return nil
}

func (s *AuthService) DisconnectWallet(ctx context.Context, user *models.User) error {
	if user.WalletAddress == nil {
		return errNoWallet
	}
	if err := s.repo.UpdateUserWallet(ctx, user.ID, nil); err != nil {
		return fmt.Errorf("failed to disconnect wallet: %w", err)
	}
	user.WalletAddress = nil

	slog.Info("Wallet disconnected", "user_id", user.ID)
	return nil
}

// SetAuthCookies sets HTTP-only cookies; empty values are skipped.
func (s *AuthService) SetAuthCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	set := func(name, value string, maxAge time.Duration) {
		if value == "" {
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.secureCookies,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(maxAge.Seconds()),
		})
	}
	set("access_token", accessToken, s.accessExpiry)
	set("refresh_token", refreshToken, s.refreshExpiry)
}

// ClearAuthCookies clears all authentication cookies
func (s *AuthService) ClearAuthCookies(w http.ResponseWriter) {
	for _, cookieName := range []string{"access_token", "refresh_token"} {
		http.SetCookie(w, &http.Cookie{
			Name:     cookieName,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   s.secureCookies,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}

// GetTokenFromCookie extracts token from request cookies
func (s *AuthService) GetTokenFromCookie(r *http.Request, cookieName string) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

const claimsContextKey contextKey = "claims"

func claimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey).(*Claims)
	return c
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware authenticates with a Bearer token, the access_token cookie or
// an X-API-Key header, in that order.
func (s *AuthService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := bearerToken(r)
		if token == "" {
			token = s.GetTokenFromCookie(r, "access_token")
		}
		if token != "" {
			user, claims, err := s.VerifyAccessToken(ctx, token)
			if err == nil {
				ctx = context.WithValue(WithUser(ctx, user), claimsContextKey, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			slog.Debug("Access token rejected", "error", err)
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			user, err := s.AuthenticateAPIKey(ctx, apiKey)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
				return
			}
			slog.Debug("API key rejected", "error", err)
		}

		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, errUnauthorized)
	})
}
