package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-chat/chat"
	"github.com/xiaoyuanzhu-com/claude-chat/log"
)

// ListSessions merges on-disk transcripts with live sessions for one
// working directory. Live entries win: they carry the freshest activity.
func (h *Handler) ListSessions(c *gin.Context) {
	workDir := c.Query("work_dir")
	if workDir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "work_dir is required"})
		return
	}

	diskInfos, err := chat.LoadSessionInfos(workDir)
	if err != nil {
		log.Warn().Err(err).Str("workDir", workDir).Msg("failed to scan transcripts")
	}

	liveInfos, err := h.manager.SessionsByWorkDir(c.Request.Context(), workDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	byID := make(map[string]chat.SessionInfo, len(diskInfos))
	for _, info := range diskInfos {
		byID[info.SessionID] = info
	}
	for _, info := range liveInfos {
		byID[info.SessionID] = info
	}

	infos := make([]chat.SessionInfo, 0, len(byID))
	for _, info := range byID {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})

	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

// ClaudeInfo reports the CLI's supported commands and models for a working
// directory, via a disposable child.
func (h *Handler) ClaudeInfo(c *gin.Context) {
	workDir := c.Query("work_dir")
	if workDir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "work_dir is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	info, err := h.manager.ClaudeInfo(ctx, workDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetSettings returns the current settings profiles.
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Settings().Current())
}

// PutSettings replaces the settings profiles.
func (h *Handler) PutSettings(c *gin.Context) {
	var settings chat.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.manager.Settings().Save(&settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, &settings)
}

// ListWorkDirs lists the subdirectories of dir (default: home), for the
// client's working-directory picker.
func (h *Handler) ListWorkDirs(c *gin.Context) {
	dir := c.Query("dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve home directory"})
			return
		}
		dir = home
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dirs := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)

	c.JSON(http.StatusOK, gin.H{"dir": filepath.Clean(dir), "entries": dirs})
}
