package api

import (
	"github.com/gin-gonic/gin"

	handlers "vibe_prompt_server/internal/api"
)

// RegisterRoutes sets up the API endpoints and groups them logically.
func RegisterRoutes(router *gin.Engine, h *handlers.APIHandler) {
	// --- Simple Health Check ---
	router.GET("/health", h.Health)

	// Everything else runs for a device.
	deviceRoutes := router.Group("/", h.DeviceMiddleware())
	{
		deviceRoutes.GET("/credits", h.GetCredits)
	}

	// --- Prompt generation and gallery ---
	promptGroup := deviceRoutes.Group("/prompts")
	{
		promptGroup.POST("/generate", h.GeneratePrompt) // SSE when "stream" is true
		promptGroup.GET("/last", h.GetLastPrompt)
		promptGroup.GET("", h.ListPrompts)
		promptGroup.POST("", h.SavePrompt)
		promptGroup.DELETE("/:id", h.DeletePrompt)
	}

	// --- Accounts ---
	authGroup := deviceRoutes.Group("/auth")
	{
		authGroup.POST("/signup", h.SignUp)
		authGroup.POST("/signin", h.SignIn)
		authGroup.POST("/signout", h.SignOut)
		authGroup.GET("/session", h.GetSession)
		authGroup.GET("/username/:username", h.CheckUsername)
		authGroup.POST("/password-strength", h.PasswordStrength)
		authGroup.GET("/oauth/:provider", h.BeginOAuth)
		authGroup.GET("/oauth/:provider/callback", h.CompleteOAuth)
	}
}
