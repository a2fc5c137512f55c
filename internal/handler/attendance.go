package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sams/internal/attendance"
	"sams/internal/auth"
)

type markRequest struct {
	QRCode            string   `json:"qr_code" binding:"required"`
	Latitude          *float64 `json:"latitude"`
	Longitude         *float64 `json:"longitude"`
	DeviceFingerprint string   `json:"device_fingerprint"`
}

func (h *Handler) markAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	loc, ok := optionalPoint(req.Latitude, req.Longitude)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude must be given together"})
		return
	}
	p, _ := auth.PrincipalFrom(c)

	res, err := h.d.Recorder.MarkAttendance(c.Request.Context(), attendance.MarkRequest{
		StudentID:         p.Subject,
		QRCode:            req.QRCode,
		Location:          loc,
		DeviceFingerprint: req.DeviceFingerprint,
		SourceIP:          c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		AcceptLanguage:    c.GetHeader("Accept-Language"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) myAttendance(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	limit := queryInt(c, "limit", 50)
	records, err := h.d.Records.ListByStudent(c.Request.Context(), p.Subject, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// attendanceStats lets staff filter freely; students only see their own.
func (h *Handler) attendanceStats(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	f := attendance.StatsFilter{
		SessionID: c.Query("session_id"),
		StudentID: c.Query("student_id"),
	}
	if p.Role == auth.RoleStudent {
		f.StudentID = p.Subject
	}
	stats, err := h.d.Records.Stats(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
