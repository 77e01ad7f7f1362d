package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-chat/chat"
)

// Handler bundles the API dependencies.
type Handler struct {
	manager     *chat.Manager
	shutdownCtx context.Context
}

// NewHandler creates the API handler. shutdownCtx is cancelled when the
// server shuts down; long-lived handlers (the chat WebSocket) listen to it.
func NewHandler(manager *chat.Manager, shutdownCtx context.Context) *Handler {
	return &Handler{manager: manager, shutdownCtx: shutdownCtx}
}

// SetupRoutes registers all API endpoints.
func SetupRoutes(r *gin.Engine, h *Handler) {
	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/chat/ws", h.ChatWS)
		apiGroup.GET("/sessions", h.ListSessions)
		apiGroup.GET("/claude/info", h.ClaudeInfo)
		apiGroup.GET("/settings", h.GetSettings)
		apiGroup.PUT("/settings", h.PutSettings)
		apiGroup.GET("/workdirs", h.ListWorkDirs)
		apiGroup.GET("/prompts", h.ListPrompts)
		apiGroup.GET("/prompts/stream", h.StreamPrompts)
	}
}
