package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sams/internal/attendance"
	"sams/internal/geo"
	"sams/internal/session"
)

var errorStatus = []struct {
	err  error
	code int
	name string
}{
	{session.ErrInvalidOrExpiredToken, http.StatusBadRequest, "invalid_or_expired_token"},
	{session.ErrInvalidSchedule, http.StatusBadRequest, "invalid_schedule"},
	{session.ErrGeofenceTooLarge, http.StatusBadRequest, "geofence_too_large"},
	{session.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{session.ErrSessionNotActive, http.StatusConflict, "session_not_active"},
	{session.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{attendance.ErrDuplicateAttendance, http.StatusConflict, "duplicate_attendance"},
	{attendance.ErrOutOfGeofence, http.StatusForbidden, "out_of_geofence"},
	{attendance.ErrFlagNotFound, http.StatusNotFound, "flag_not_found"},
	{attendance.ErrFlagResolved, http.StatusConflict, "flag_already_resolved"},
}

// writeError maps domain errors to 4xx and everything else to a logged 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	var coord *geo.InvalidCoordinateError
	if errors.As(err, &coord) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_coordinate"})
		return
	}
	var rejected *attendance.AntiCheatRejectionError
	if errors.As(err, &rejected) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":          err.Error(),
			"code":           "anti_cheat_rejected",
			"flags":          rejected.Verdict.Flags,
			"confidence":     rejected.Verdict.Confidence,
			"severity":       rejected.Verdict.Severity,
			"recommendation": rejected.Verdict.Recommendation,
		})
		return
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			c.JSON(m.code, gin.H{"error": err.Error(), "code": m.name})
			return
		}
	}
	h.d.Logger.ErrorContext(c.Request.Context(), "request failed",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"err", err,
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
