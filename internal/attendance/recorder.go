package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sams/internal/anticheat"
	"sams/internal/device"
	"sams/internal/geo"
	"sams/internal/queue"
	"sams/internal/session"
)

// EventFlagged is published for every accepted but suspicious check-in.
const EventFlagged = "attendance.flagged"

// AntiCheatRejectionError is returned when the verdict recommends reject.
type AntiCheatRejectionError struct {
	Verdict anticheat.Verdict
}

func (e *AntiCheatRejectionError) Error() string {
	return fmt.Sprintf("check-in rejected by anti-cheat (confidence %.2f)", e.Verdict.Confidence)
}

// TokenValidator resolves a scanned code to its session.
type TokenValidator interface {
	Validate(ctx context.Context, code string) (session.Session, session.Token, error)
}

// Analyzer scores a check-in attempt.
type Analyzer interface {
	Analyze(ctx context.Context, in anticheat.Input) anticheat.Verdict
}

// Publisher emits async events.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// DefaultPublishTimeout bounds how long a check-in waits on the event queue.
const DefaultPublishTimeout = 2 * time.Second

// RecorderConfig tunes status classification and event publishing.
type RecorderConfig struct {
	GracePeriod    time.Duration
	PublishTimeout time.Duration
	Now            func() time.Time
}

// Recorder turns a scanned QR code into exactly one attendance record.
type Recorder struct {
	repo    Repository
	gate    TokenValidator
	engine  Analyzer
	events  Publisher
	cfg     RecorderConfig
	logger  *slog.Logger
	pending *keyLock
}

// NewRecorder wires a recorder. events may be nil.
func NewRecorder(repo Repository, gate TokenValidator, engine Analyzer, events Publisher, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:    repo,
		gate:    gate,
		engine:  engine,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		pending: newKeyLock(),
	}
}

// MarkRequest is one student's check-in attempt.
type MarkRequest struct {
	StudentID         string
	QRCode            string
	Location          *geo.Point
	DeviceFingerprint string
	SourceIP          string
	UserAgent         string
	AcceptLanguage    string
}

// Result is what a successful check-in returns.
type Result struct {
	Record  Record            `json:"record"`
	Verdict anticheat.Verdict `json:"anti_cheat"`
	Flags   []FlagRecord      `json:"flags,omitempty"`
}

// FlaggedEvent is the payload of EventFlagged.
type FlaggedEvent struct {
	RecordID       string                   `json:"attendance_id"`
	StudentID      string                   `json:"student_id"`
	SessionID      string                   `json:"session_id"`
	Flags          []anticheat.Flag         `json:"flags"`
	Confidence     float64                  `json:"confidence"`
	Severity       anticheat.Severity       `json:"severity"`
	Recommendation anticheat.Recommendation `json:"recommendation"`
	At             time.Time                `json:"at"`
}

// MarkAttendance validates the token, checks the geofence, classifies the
// status, scores the attempt and stores the record.
func (r *Recorder) MarkAttendance(ctx context.Context, req MarkRequest) (Result, error) {
	if req.Location != nil {
		if err := req.Location.Validate(); err != nil {
			return Result{}, err
		}
	}

	s, tok, err := r.gate.Validate(ctx, req.QRCode)
	if err != nil {
		markOutcome("invalid_token")
		return Result{}, err
	}
	if s.Status != session.StatusActive {
		markOutcome("inactive_session")
		return Result{}, session.ErrSessionNotActive
	}

	res, err := r.commit(ctx, req, s, tok)
	if err != nil {
		return Result{}, err
	}
	if res.Verdict.Suspicious {
		r.publishFlagged(ctx, res.Record, res.Verdict)
	}
	return res, nil
}

// commit runs the duplicate check through the insert under the
// (student, session) lock.
func (r *Recorder) commit(ctx context.Context, req MarkRequest, s session.Session, tok session.Token) (Result, error) {
	unlock := r.pending.lock(req.StudentID + "|" + s.ID)
	defer unlock()

	exists, err := r.repo.Exists(ctx, req.StudentID, s.ID)
	if err != nil {
		return Result{}, err
	}
	if exists {
		markOutcome("duplicate")
		return Result{}, ErrDuplicateAttendance
	}

	if req.Location != nil && s.Geofence != nil {
		inside, err := geo.IsWithinGeofence(*req.Location, s.Geofence.Center, s.Geofence.RadiusMeters)
		if err != nil {
			return Result{}, err
		}
		if !inside {
			markOutcome("out_of_geofence")
			d, _ := geo.DistanceMeters(*req.Location, s.Geofence.Center)
			return Result{}, fmt.Errorf("%w: %.0fm from center, radius %.0fm", ErrOutOfGeofence, d, s.Geofence.RadiusMeters)
		}
	}

	now := r.cfg.Now().UTC()
	status := Classify(s.StartsAt, r.cfg.GracePeriod, now)

	fingerprint := req.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = device.Derive(req.UserAgent, req.SourceIP, req.AcceptLanguage)
	}

	verdict := r.engine.Analyze(ctx, anticheat.Input{
		UserID:            req.StudentID,
		SessionID:         s.ID,
		At:                now,
		SessionStart:      s.StartsAt,
		SessionEnd:        s.EndsAt,
		DeviceFingerprint: fingerprint,
		Location:          req.Location,
	})
	if verdict.Recommendation == anticheat.RecommendReject {
		markOutcome("rejected")
		r.logger.WarnContext(ctx, "check-in rejected",
			"student_id", req.StudentID,
			"session_id", s.ID,
			"confidence", verdict.Confidence,
			"severity", verdict.Severity.String(),
		)
		return Result{}, &AntiCheatRejectionError{Verdict: verdict}
	}

	tokenID := tok.ID
	rec := Record{
		ID:                uuid.NewString(),
		StudentID:         req.StudentID,
		SessionID:         s.ID,
		Status:            status,
		MarkedAt:          now,
		Location:          req.Location,
		DeviceFingerprint: fingerprint,
		SourceIP:          req.SourceIP,
		TokenID:           &tokenID,
	}
	flags := make([]FlagRecord, 0, len(verdict.Flags))
	for _, f := range verdict.Flags {
		flags = append(flags, FlagRecord{
			ID:          uuid.NewString(),
			RecordID:    rec.ID,
			StudentID:   rec.StudentID,
			SessionID:   rec.SessionID,
			Type:        f.Type,
			Severity:    f.Severity,
			Description: f.Description,
			CreatedAt:   now,
		})
	}
	audit := AuditEntry{
		ID:        uuid.NewString(),
		RecordID:  rec.ID,
		ActorID:   req.StudentID,
		Action:    "marked",
		Details:   "status=" + string(status),
		CreatedAt: now,
	}

	if err := r.repo.Create(ctx, rec, flags, audit); err != nil {
		if errors.Is(err, ErrDuplicateAttendance) {
			markOutcome("duplicate")
		}
		return Result{}, err
	}
	markOutcome(string(status))
	r.logger.InfoContext(ctx, "attendance marked",
		"student_id", rec.StudentID,
		"session_id", rec.SessionID,
		"status", string(status),
		"flags", len(flags),
	)
	return Result{Record: rec, Verdict: verdict, Flags: flags}, nil
}

func (r *Recorder) publishFlagged(ctx context.Context, rec Record, v anticheat.Verdict) {
	if r.events == nil {
		return
	}
	body, err := json.Marshal(FlaggedEvent{
		RecordID:       rec.ID,
		StudentID:      rec.StudentID,
		SessionID:      rec.SessionID,
		Flags:          v.Flags,
		Confidence:     v.Confidence,
		Severity:       v.Severity,
		Recommendation: v.Recommendation,
		At:             rec.MarkedAt,
	})
	if err != nil {
		return
	}
	// detached from the request, bounded by PublishTimeout
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.events.Publish(pubCtx, queue.Message{Type: EventFlagged, Body: body}); err != nil {
		r.logger.WarnContext(ctx, "publish flagged event failed", "attendance_id", rec.ID, "err", err)
	}
}
