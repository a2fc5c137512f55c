package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sams/internal/attendance"
	"sams/internal/geo"
	"sams/internal/session"
)

type scheduleRequest struct {
	CourseID  string    `json:"course_id" binding:"required"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at" binding:"required"`
	EndsAt    time.Time `json:"ends_at" binding:"required"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	RadiusM   float64   `json:"radius_m"`
}

func (h *Handler) scheduleSession(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	center, ok := optionalPoint(req.Latitude, req.Longitude)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude must be given together"})
		return
	}
	s, err := h.d.Gate.Schedule(c.Request.Context(), session.NewSession{
		CourseID: req.CourseID,
		Title:    req.Title,
		StartsAt: req.StartsAt,
		EndsAt:   req.EndsAt,
		Center:   center,
		RadiusM:  req.RadiusM,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) getSession(c *gin.Context) {
	s, err := h.d.Gate.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) transition(c *gin.Context, fn func(context.Context, string) (session.Session, error)) {
	s, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) activateSession(c *gin.Context) { h.transition(c, h.d.Gate.Activate) }
func (h *Handler) completeSession(c *gin.Context) { h.transition(c, h.d.Gate.Complete) }
func (h *Handler) cancelSession(c *gin.Context)   { h.transition(c, h.d.Gate.Cancel) }

func (h *Handler) refreshQR(c *gin.Context) {
	tok, err := h.d.Gate.GenerateOrRefresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": tok.SessionID,
		"code":       tok.Code,
		"expires_at": tok.ExpiresAt,
	})
}

func (h *Handler) deactivateQR(c *gin.Context) {
	if err := h.d.Gate.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) qrPNG(c *gin.Context) {
	tok, err := h.d.Gate.Current(c.Request.Context(), c.Param("id"))
	if errors.Is(err, session.ErrInvalidOrExpiredToken) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no valid qr token for session"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	size := session.DefaultQRSize
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 128 && parsed <= 1024 {
			size = parsed
		}
	}
	png, err := session.RenderPNG(tok, size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) validateQR(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, tok, err := h.d.Gate.Validate(c.Request.Context(), req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "session": s, "expires_at": tok.ExpiresAt})
}

func (h *Handler) sessionRoster(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.d.Gate.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	records, err := h.d.Records.ListBySession(ctx, s.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	stats, err := h.d.Records.Stats(ctx, attendance.StatsFilter{SessionID: s.ID})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "records": records, "stats": stats})
}

func (h *Handler) sessionRosterXLSX(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.d.Gate.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	records, err := h.d.Records.ListBySession(ctx, s.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	var buf bytes.Buffer
	title := fmt.Sprintf("%s %s (%s)", s.CourseID, s.Title, s.StartsAt.Format("2006-01-02 15:04"))
	if err := attendance.WriteXLSX(&buf, title, records); err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"attendance_%s.xlsx\"", s.ID))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// optionalPoint returns nil when neither coordinate is set and false when
// only one is.
func optionalPoint(lat, lon *float64) (*geo.Point, bool) {
	switch {
	case lat == nil && lon == nil:
		return nil, true
	case lat == nil || lon == nil:
		return nil, false
	}
	return &geo.Point{Lat: *lat, Lon: *lon}, true
}
