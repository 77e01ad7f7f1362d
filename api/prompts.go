package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListPrompts returns the remembered prompt history, oldest first.
func (h *Handler) ListPrompts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prompts": h.manager.Prompts().Records()})
}

// StreamPrompts pushes the prompt backlog and then every new prompt as
// server-sent events, until the client or the server goes away.
func (h *Handler) StreamPrompts(c *gin.Context) {
	backlog, ch, cancel := h.manager.Prompts().Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for _, record := range backlog {
		c.SSEvent("prompt", record)
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case record, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("prompt", record)
			return true
		case <-c.Request.Context().Done():
			return false
		case <-h.shutdownCtx.Done():
			return false
		}
	})
}
