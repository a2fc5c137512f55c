package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sams/internal/attendance"
	"sams/internal/auth"
	"sams/internal/httpmiddleware"
	"sams/internal/review"
	"sams/internal/session"
)

// Resetter clears a user's anti-cheat history.
type Resetter interface {
	Reset(ctx context.Context, userID string) error
}

// AuthConfig is what the router needs to check and, in dev, mint tokens.
type AuthConfig struct {
	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Deps wires the HTTP layer to the domain.
type Deps struct {
	Gate            *session.Gate
	Recorder        *attendance.Recorder
	Records         attendance.Repository
	AntiCheat       Resetter
	Feed            review.Feed
	Auth            AuthConfig
	DevTokens       bool
	RateLimitPerMin int
	// Health checks reported by /healthz, keyed by dependency name.
	Health map[string]func(context.Context) bool
	Logger *slog.Logger
	Now    func() time.Time
}

// Handler serves the attendance API.
type Handler struct {
	d Deps
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &Handler{d: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.Metrics())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	limiter := httpmiddleware.NewSimpleTokenBucket(d.RateLimitPerMin, d.RateLimitPerMin, d.Now)

	if d.DevTokens {
		r.POST("/v1/dev/token", limiter.GinMiddleware(httpmiddleware.ByClientIP), h.devToken)
	}

	v1 := r.Group("/v1",
		auth.Authenticate(d.Auth.SigningKey, d.Auth.Issuer),
		limiter.GinMiddleware(httpmiddleware.ByPrincipalOrIP),
	)
	staff := auth.RequireRole(auth.RoleLecturer, auth.RoleAdmin)

	v1.POST("/sessions", staff, h.scheduleSession)
	v1.GET("/sessions/:id", h.getSession)
	v1.POST("/sessions/:id/activate", staff, h.activateSession)
	v1.POST("/sessions/:id/complete", staff, h.completeSession)
	v1.POST("/sessions/:id/cancel", staff, h.cancelSession)
	v1.POST("/sessions/:id/qr", staff, h.refreshQR)
	v1.DELETE("/sessions/:id/qr", staff, h.deactivateQR)
	v1.GET("/sessions/:id/qr.png", staff, h.qrPNG)
	v1.GET("/sessions/:id/attendance", staff, h.sessionRoster)
	v1.GET("/sessions/:id/attendance.xlsx", staff, h.sessionRosterXLSX)

	v1.POST("/qr/validate", h.validateQR)

	v1.POST("/attendance/mark", auth.RequireRole(auth.RoleStudent), h.markAttendance)
	v1.GET("/attendance/me", h.myAttendance)
	v1.GET("/attendance/stats", h.attendanceStats)

	v1.GET("/anticheat/flags", staff, h.listFlags)
	v1.POST("/anticheat/flags/:id/resolve", staff, h.resolveFlag)
	v1.GET("/anticheat/activities", staff, h.activities)
	v1.DELETE("/anticheat/users/:id", auth.RequireRole(auth.RoleAdmin), h.resetUser)

	return r
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	code := http.StatusOK
	for name, check := range h.d.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, body)
}

func (h *Handler) devToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Role    string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := auth.Issue(auth.Principal{Subject: req.Subject, Role: role}, h.d.Auth.Issuer, h.d.Auth.SigningKey, h.d.Auth.AccessTTL, h.d.Auth.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tokens)
}
