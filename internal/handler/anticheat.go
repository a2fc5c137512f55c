package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sams/internal/attendance"
	"sams/internal/auth"
)

func (h *Handler) listFlags(c *gin.Context) {
	flags, err := h.d.Records.ListFlags(c.Request.Context(), attendance.FlagFilter{
		UnresolvedOnly: c.Query("unresolved") == "true",
		SessionID:      c.Query("session_id"),
		Limit:          queryInt(c, "limit", 100),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags})
}

func (h *Handler) resolveFlag(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	f, err := h.d.Records.ResolveFlag(c.Request.Context(), c.Param("id"), p.Subject, h.d.Now().UTC())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) activities(c *gin.Context) {
	items, err := h.d.Feed.Recent(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": items})
}

func (h *Handler) resetUser(c *gin.Context) {
	userID := c.Param("id")
	if err := h.d.AntiCheat.Reset(c.Request.Context(), userID); err != nil {
		h.writeError(c, err)
		return
	}
	h.d.Logger.InfoContext(c.Request.Context(), "anti-cheat history reset", "user_id", userID)
	c.Status(http.StatusNoContent)
}
