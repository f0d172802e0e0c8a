package services

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wayl-ai/wayl/models"
)

type AuthEndpoints struct {
	authService *AuthService
	audit       *AuditService
	ipLimit     func(http.Handler) http.Handler
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type WalletConnectRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

type UserResponse struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Email         string  `json:"email"`
	WalletAddress *string `json:"wallet_address"`
	Role          string  `json:"role"`
}

func newUserResponse(u *models.User) UserResponse {
	return UserResponse{ID: u.ID, Username: u.Username, Email: u.Email, WalletAddress: u.WalletAddress, Role: u.Role}
}

// NewAuthEndpoints builds the /auth routes; ipLimit guards the credential
// endpoints and may be nil.
func NewAuthEndpoints(authService *AuthService, audit *AuditService, ipLimit func(http.Handler) http.Handler) *AuthEndpoints {
	if ipLimit == nil {
		ipLimit = func(next http.Handler) http.Handler { return next }
	}
	return &AuthEndpoints{
		authService: authService,
		audit:       audit,
		ipLimit:     ipLimit,
	}
}

func (e *AuthEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(e.ipLimit)
			r.Post("/register", e.RegisterHandler)
			r.Post("/token", e.LoginHandler)
			r.Post("/refresh", e.RefreshHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(e.authService.Middleware)
			r.Post("/logout", e.LogoutHandler)
			r.Get("/me", e.MeHandler)
			r.Post("/wallet/connect", e.ConnectWalletHandler)
			r.Delete("/wallet", e.DisconnectWalletHandler)
			r.Post("/api-keys", e.CreateAPIKeyHandler)
			r.Get("/api-keys", e.ListAPIKeysHandler)
			r.Delete("/api-keys/{id}", e.RevokeAPIKeyHandler)
			r.Post("/revoke-all", e.RevokeAllHandler)
		})
	})
}

func (e *AuthEndpoints) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := e.authService.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		slog.Error("Registration failed", "error", err, "username", req.Username)
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventUserRegistered, UserID: user.ID,
		ResourceType: "user", ResourceID: user.ID, Action: "register", Status: "success",
	})
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

// LoginHandler accepts the OAuth2 password form or a JSON body.
func (e *AuthEndpoints) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, badRequest("Invalid form body"))
			return
		}
		req.Username, req.Password = r.PostForm.Get("username"), r.PostForm.Get("password")
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := e.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		slog.Error("Login failed", "error", err, "username", req.Username)
		e.audit.Record(r, AuditEvent{
			EventType: EventLoginFailed, ResourceType: "user", Action: "login", Status: "failure",
			Details: map[string]any{"username": req.Username},
		})
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventLogin, UserID: resp.UserID,
		ResourceType: "user", ResourceID: resp.UserID, Action: "login", Status: "success",
	})
	e.authService.SetAuthCookies(w, resp.AccessToken, resp.RefreshToken)
	writeJSON(w, http.StatusOK, resp)
}

func (e *AuthEndpoints) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.RefreshToken == "" {
		req.RefreshToken = e.authService.GetTokenFromCookie(r, "refresh_token")
	}

	resp, err := e.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		slog.Error("Token refresh failed", "error", err)
		writeError(w, r, err)
		return
	}

	e.authService.SetAuthCookies(w, resp.AccessToken, "")
	writeJSON(w, http.StatusOK, resp)
}

func (e *AuthEndpoints) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := e.authService.Logout(r.Context(), user.ID, claimsFromContext(r.Context())); err != nil {
		slog.Error("Logout failed", "error", err, "user_id", user.ID)
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventLogout, UserID: user.ID,
		ResourceType: "user", ResourceID: user.ID, Action: "logout", Status: "success",
	})
	e.authService.ClearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (e *AuthEndpoints) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (e *AuthEndpoints) ConnectWalletHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req WalletConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := e.authService.ConnectWallet(r.Context(), user, req.WalletAddress, req.Signature); err != nil {
		slog.Error("Wallet connection failed", "error", err, "user_id", user.ID)
		e.audit.Record(r, AuditEvent{
			EventType: EventWalletConnected, UserID: user.ID, ResourceType: "wallet",
			ResourceID: req.WalletAddress, Action: "connect", Status: "failure",
		})
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventWalletConnected, UserID: user.ID, ResourceType: "wallet",
		ResourceID: req.WalletAddress, Action: "connect", Status: "success",
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data": map[string]any{
			"user_id":        user.ID,
			"wallet_address": req.WalletAddress,
		},
	})
}

func (e *AuthEndpoints) DisconnectWalletHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var address string
	if user.WalletAddress != nil {
		address = *user.WalletAddress
	}

	if err := e.authService.DisconnectWallet(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventWalletDisconnected, UserID: user.ID, ResourceType: "wallet",
		ResourceID: address, Action: "disconnect", Status: "success",
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": map[string]any{"user_id": user.ID}})
}

func (e *AuthEndpoints) CreateAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CreateAPIKeyRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if len(req.Name) > 100 {
		writeError(w, r, badRequest("Name must be at most 100 characters"))
		return
	}

	plain, key, err := e.authService.CreateAPIKey(r.Context(), user.ID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventAPIKeyCreated, UserID: user.ID, ResourceType: "api_key",
		ResourceID: key.ID, Action: "create", Status: "success",
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":              key.ID,
		"api_key":         plain,
		"prefix":          key.Prefix,
		"expires_at":      key.ExpiresAt,
		"expires_in_days": int(e.authService.apiKeyExpiry.Hours() / 24),
	})
}

func (e *AuthEndpoints) ListAPIKeysHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	keys, err := e.authService.ListAPIKeys(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (e *AuthEndpoints) RevokeAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	keyID := chi.URLParam(r, "id")
	if err := e.authService.RevokeAPIKey(r.Context(), user.ID, keyID); err != nil {
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventAPIKeyRevoked, UserID: user.ID, ResourceType: "api_key",
		ResourceID: keyID, Action: "revoke", Status: "success",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (e *AuthEndpoints) RevokeAllHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := e.authService.RevokeAllTokens(r.Context(), user.ID); err != nil {
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventTokensRevoked, UserID: user.ID, ResourceType: "user",
		ResourceID: user.ID, Action: "revoke_all", Status: "success",
	})
	e.authService.ClearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
