package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/handlers/middleware"
	"github.com/nkiryanov/gopherauth/internal/handlers/render"
	"github.com/nkiryanov/gopherauth/internal/handlers/userctx"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
)

type AuthHandler struct {
	authService authService
	logger      logger.Logger
}

func NewAuth(auth authService, logger logger.Logger) *AuthHandler {
	return &AuthHandler{authService: auth, logger: logger}
}

func (h *AuthHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /refresh", h.refresh)
	mux.Handle("POST /logout", middleware.NewAuth(h.authService).Auth(http.HandlerFunc(h.logout)))

	return mux
}

type tokenResponse struct {
	UserID           uuid.UUID `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func newTokenResponse(pair models.TokenPair) tokenResponse {
	return tokenResponse{
		UserID:           pair.UserID,
		AccessToken:      pair.Access.Value,
		AccessExpiresAt:  pair.Access.ExpiresAt,
		RefreshToken:     pair.Refresh.Value,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
	}
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Login    string `json:"login" validate:"required,username"`
		Password string `json:"password" validate:"required,password"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		return
	}

	pair, err := h.authService.Register(r.Context(), data.Login, data.Password)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "User already exists", http.StatusConflict)
		default:
			h.logger.Error("register failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.authService.SetTokens(r.Context(), w, pair)
	render.JSON(w, newTokenResponse(pair))
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Login    string `json:"login" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		return
	}

	pair, err := h.authService.Login(r.Context(), data.Login, data.Password)
	if err != nil {
		h.renderAuthError(w, "login failed", err)
		return
	}

	h.authService.SetTokens(r.Context(), w, pair)
	render.JSON(w, newTokenResponse(pair))
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshRequest struct {
		RefreshToken string `json:"refresh_token"`
	}

	// Body is optional: browser clients send the token in cookie
	var data RefreshRequest
	err := json.NewDecoder(r.Body).Decode(&data)
	if err != nil && !errors.Is(err, io.EOF) {
		render.DecodeError(w, err)
		return
	}

	refresh := data.RefreshToken
	if refresh == "" {
		refresh, err = h.authService.GetRefresh(r)
		if err != nil {
			render.AuthError(w, err)
			return
		}
	}

	pair, err := h.authService.Refresh(r.Context(), refresh)
	if err != nil {
		h.renderAuthError(w, "refresh failed", err)
		return
	}

	h.authService.SetTokens(r.Context(), w, pair)
	render.JSON(w, newTokenResponse(pair))
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	type LogoutResponse struct {
		Message string `json:"message"`
	}

	user, _ := userctx.FromContext(r.Context())

	if err := h.authService.Logout(r.Context(), user.ID); err != nil {
		h.logger.Error("logout failed", "error", err, "user_id", user.ID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.authService.ClearTokens(w)
	render.JSON(w, LogoutResponse{Message: "Logged out"})
}

// Auth failures are 401 with code, anything else is server problem
func (h *AuthHandler) renderAuthError(w http.ResponseWriter, msg string, err error) {
	if apperrors.Code(err) == "" {
		h.logger.Error(msg, "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info(msg, "reason", err)
	render.AuthError(w, err)
}
