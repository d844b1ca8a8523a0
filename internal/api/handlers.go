package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/ai"
	"vibe_prompt_server/internal/auth"
	"vibe_prompt_server/internal/device"
	"vibe_prompt_server/internal/flow"
	"vibe_prompt_server/internal/quota"
	"vibe_prompt_server/internal/store"
	"vibe_prompt_server/internal/types"
	"vibe_prompt_server/internal/utils"
)

// identitySettle bounds how long a handler waits for a sign-in or sign-out
// to reach the quota facade before answering.
const identitySettle = 10 * time.Second

// APIHandler holds dependencies for API endpoints.
type APIHandler struct {
	devices       *device.Registry
	accounts      *auth.Accounts
	store         store.Store
	generator     *ai.Generator
	secureCookies bool
}

// NewAPIHandler initializes a new API handler with its dependencies.
func NewAPIHandler(devices *device.Registry, accounts *auth.Accounts, st store.Store, generator *ai.Generator, secureCookies bool) *APIHandler {
	return &APIHandler{
		devices:       devices,
		accounts:      accounts,
		store:         st,
		generator:     generator,
		secureCookies: secureCookies,
	}
}

// --- Structs for API Requests/Responses ---

type SignInRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type PasswordStrengthRequest struct {
	Password string `json:"password"`
}

type SessionResponse struct {
	User    *types.Identity `json:"user"`
	Credits quota.Status    `json:"credits"`
}

// --- API Handlers ---

// GET /health
func (h *APIHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := gin.H{"status": "ok", "ai": h.generator.Available()}
	if err := h.store.Ping(ctx); err != nil {
		log.WithError(err).Warn("api: datastore ping failed")
		status["status"] = "degraded"
		status["database"] = "unreachable"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	status["database"] = "ok"
	c.JSON(http.StatusOK, status)
}

// GET /credits
func (h *APIHandler) GetCredits(c *gin.Context) {
	client := clientFrom(c)
	client.Quota.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, client.Quota.Status())
}

// POST /prompts/generate
func (h *APIHandler) GeneratePrompt(c *gin.Context) {
	var req flow.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error(), "code": "invalid_input"})
		return
	}

	client := clientFrom(c)
	gen, err := client.Generation.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	defer gen.Cancel()

	if !req.Stream {
		summary := client.Generation.Finish(gen)
		if err := gen.Err(); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case text, ok := <-gen.Updates():
			if ok {
				c.SSEvent("update", gin.H{"text": text})
				return true
			}
			summary := client.Generation.Finish(gen)
			if err := gen.Err(); err != nil {
				status, body := errorResponse(err)
				body["status"] = status
				c.SSEvent("error", body)
				return false
			}
			c.SSEvent("done", summary)
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// GET /prompts/last
func (h *APIHandler) GetLastPrompt(c *gin.Context) {
	last, ok := clientFrom(c).Generation.LastPrompt()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No prompt stored on this device", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, last)
}

// GET /prompts
func (h *APIHandler) ListPrompts(c *gin.Context) {
	client := clientFrom(c)
	viewer, err := client.Session.Current(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := client.Gallery.Browse(c.Request.Context(), viewer, flow.Filter{
		Search:   c.Query("search"),
		Category: c.Query("category"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// POST /prompts
func (h *APIHandler) SavePrompt(c *gin.Context) {
	var req flow.SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error(), "code": "invalid_input"})
		return
	}
	client := clientFrom(c)
	viewer, err := client.Session.Current(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	saved, err := client.Gallery.Save(c.Request.Context(), viewer, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// DELETE /prompts/:id
func (h *APIHandler) DeletePrompt(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid prompt id", "code": "invalid_input"})
		return
	}
	client := clientFrom(c)
	viewer, err := client.Session.Current(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if err := client.Gallery.Delete(c.Request.Context(), viewer, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /auth/signup
func (h *APIHandler) SignUp(c *gin.Context) {
	var req auth.SignUpInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error(), "code": "invalid_input"})
		return
	}
	client := clientFrom(c)
	identity, err := client.Session.SignUp(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondSession(c, client, identity, http.StatusCreated)
}

// POST /auth/signin
func (h *APIHandler) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error(), "code": "invalid_input"})
		return
	}
	client := clientFrom(c)
	identity, err := client.Session.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondSession(c, client, identity, http.StatusOK)
}

// POST /auth/signout
func (h *APIHandler) SignOut(c *gin.Context) {
	client := clientFrom(c)
	if err := client.Session.SignOut(); err != nil {
		writeError(c, err)
		return
	}
	h.respondSession(c, client, nil, http.StatusOK)
}

// GET /auth/session
func (h *APIHandler) GetSession(c *gin.Context) {
	client := clientFrom(c)
	identity, err := client.Session.Current(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	client.Quota.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, SessionResponse{User: identity, Credits: client.Quota.Status()})
}

// GET /auth/username/:username
func (h *APIHandler) CheckUsername(c *gin.Context) {
	username := c.Param("username")
	valid := utils.IsValidUsername(username)
	available := valid && h.accounts.UsernameAvailable(c.Request.Context(), username)
	c.JSON(http.StatusOK, gin.H{"username": username, "valid": valid, "available": available})
}

// POST /auth/password-strength
func (h *APIHandler) PasswordStrength(c *gin.Context) {
	var req PasswordStrengthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error(), "code": "invalid_input"})
		return
	}
	c.JSON(http.StatusOK, utils.CheckPasswordStrength(req.Password))
}

// GET /auth/oauth/:provider
func (h *APIHandler) BeginOAuth(c *gin.Context) {
	url, err := clientFrom(c).Session.BeginOAuth(c.Param("provider"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

// GET /auth/oauth/:provider/callback
func (h *APIHandler) CompleteOAuth(c *gin.Context) {
	if msg := c.Query("error"); msg != "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Sign-in was cancelled: " + msg, "code": "oauth_denied"})
		return
	}
	client := clientFrom(c)
	identity, err := client.Session.CompleteOAuth(c.Request.Context(), c.Param("provider"), c.Query("state"), c.Query("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondSession(c, client, identity, http.StatusOK)
}

// respondSession waits for the observer to apply the identity change so the
// returned credits belong to the new identity.
func (h *APIHandler) respondSession(c *gin.Context, client *device.Client, identity *types.Identity, status int) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), identitySettle)
	defer cancel()
	if err := client.Observer.Flush(ctx); err != nil {
		log.WithError(err).WithField("device", client.ID).Warn("api: identity change still pending")
	}
	c.JSON(status, SessionResponse{User: identity, Credits: client.Quota.Status()})
}

func writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Errorf("api: %s %s failed", c.Request.Method, c.FullPath())
	}
	c.JSON(status, body)
}

func errorResponse(err error) (int, gin.H) {
	var (
		flowInvalid *flow.ValidationError
		authInvalid *auth.ValidationError
		exhausted   *flow.QuotaExhaustedError
	)
	switch {
	case errors.As(err, &flowInvalid):
		return http.StatusBadRequest, gin.H{"error": flowInvalid.Message, "code": "invalid_input", "field": flowInvalid.Field}
	case errors.As(err, &authInvalid):
		return http.StatusBadRequest, gin.H{"error": authInvalid.Message, "code": "invalid_input", "field": authInvalid.Field}
	case errors.As(err, &exhausted):
		return http.StatusForbidden, gin.H{"error": exhausted.Error(), "code": "quota_exhausted", "authenticated": exhausted.Authenticated}
	case errors.Is(err, flow.ErrViewLimit):
		return http.StatusForbidden, gin.H{"error": err.Error(), "code": "view_limit"}
	case errors.Is(err, flow.ErrQuotaLoading):
		return http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": "quota_loading"}
	case errors.Is(err, flow.ErrCreditNotDeducted):
		return http.StatusConflict, gin.H{"error": err.Error(), "code": "credit_not_deducted"}
	case errors.Is(err, flow.ErrSignInRequired):
		return http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "sign_in_required"}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "invalid_credentials"}
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests, gin.H{"error": err.Error(), "code": "rate_limited"}
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict, gin.H{"error": err.Error(), "code": "email_taken"}
	case errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusConflict, gin.H{"error": err.Error(), "code": "username_taken"}
	case errors.Is(err, auth.ErrUnknownProvider):
		return http.StatusNotFound, gin.H{"error": err.Error(), "code": "unknown_provider"}
	case errors.Is(err, auth.ErrOAuthState):
		return http.StatusBadRequest, gin.H{"error": err.Error(), "code": "oauth_state"}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "Not found", "code": "not_found"}
	case errors.Is(err, ai.ErrNoProvider):
		return http.StatusServiceUnavailable, gin.H{"error": "Prompt generation is not configured", "code": "generation_unavailable"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{"error": "Generation was interrupted", "code": "generation_interrupted"}
	case errors.Is(err, ai.ErrAllProvidersFailed), errors.Is(err, ai.ErrInterrupted):
		return http.StatusBadGateway, gin.H{"error": "Failed to generate prompt", "code": "generation_failed"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "Internal server error", "code": "internal"}
	}
}
