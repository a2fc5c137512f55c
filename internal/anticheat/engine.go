package anticheat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sams/internal/device"
	"sams/internal/geo"
	"sams/internal/kv"
)

// Config holds the thresholds of every check. Zero values take the defaults.
type Config struct {
	EarlyWindow         time.Duration
	LateWindow          time.Duration
	BulkThreshold       int64
	BulkBucketTTL       time.Duration
	MaxSpeedMPS         float64
	LocationHistorySize int
	LocationHistoryTTL  time.Duration
	RapidRepeatWindow   time.Duration
	LastActionTTL       time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		EarlyWindow:         time.Hour,
		LateWindow:          2 * time.Hour,
		BulkThreshold:       10,
		BulkBucketTTL:       5 * time.Minute,
		MaxSpeedMPS:         100,
		LocationHistorySize: 10,
		LocationHistoryTTL:  7 * 24 * time.Hour,
		RapidRepeatWindow:   30 * time.Second,
		LastActionTTL:       time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EarlyWindow <= 0 {
		c.EarlyWindow = d.EarlyWindow
	}
	if c.LateWindow <= 0 {
		c.LateWindow = d.LateWindow
	}
	if c.BulkThreshold <= 0 {
		c.BulkThreshold = d.BulkThreshold
	}
	if c.BulkBucketTTL <= 0 {
		c.BulkBucketTTL = d.BulkBucketTTL
	}
	if c.MaxSpeedMPS <= 0 {
		c.MaxSpeedMPS = d.MaxSpeedMPS
	}
	if c.LocationHistorySize <= 0 {
		c.LocationHistorySize = d.LocationHistorySize
	}
	if c.LocationHistoryTTL <= 0 {
		c.LocationHistoryTTL = d.LocationHistoryTTL
	}
	if c.RapidRepeatWindow <= 0 {
		c.RapidRepeatWindow = d.RapidRepeatWindow
	}
	if c.LastActionTTL <= 0 {
		c.LastActionTTL = d.LastActionTTL
	}
	return c
}

// Input describes one check-in attempt.
type Input struct {
	UserID            string
	SessionID         string
	At                time.Time
	SessionStart      time.Time
	SessionEnd        time.Time
	DeviceFingerprint string
	Location          *geo.Point
}

// Engine scores check-ins. It records the history it needs in a kv.Store
// but never persists verdicts; that is the caller's job.
type Engine struct {
	store   kv.Store
	devices *device.Store
	cfg     Config
	logger  *slog.Logger
}

// NewEngine wires an engine. devices may share the same kv.Store.
func NewEngine(store kv.Store, devices *device.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, devices: devices, cfg: cfg.withDefaults(), logger: logger}
}

// Analyze runs every check and returns the combined verdict. Suspicion is
// reported as flags, never as an error.
func (e *Engine) Analyze(ctx context.Context, in Input) Verdict {
	v := Verdict{Flags: []Flag{}, Confidence: 1, Severity: SeverityLow}

	e.checkDevice(ctx, in, &v)
	e.checkTiming(in, &v)
	e.checkBulk(ctx, in, &v)
	if in.Location != nil {
		e.checkLocation(ctx, in, &v)
	}
	e.checkRapidRepeat(ctx, in, &v)

	v.finish()
	observe(v)
	if v.Suspicious {
		e.logger.WarnContext(ctx, "suspicious check-in",
			"user_id", in.UserID,
			"session_id", in.SessionID,
			"flags", flagTypes(v.Flags),
			"confidence", v.Confidence,
			"recommendation", string(v.Recommendation),
		)
	}
	return v
}

// Reset clears the history kept for a user.
func (e *Engine) Reset(ctx context.Context, userID string) error {
	var errs []error
	if e.devices != nil {
		errs = append(errs, e.devices.Forget(ctx, userID))
	}
	errs = append(errs, e.store.Delete(ctx, locationKey(userID), lastActionKey(userID)))
	return errors.Join(errs...)
}

func (e *Engine) checkDevice(ctx context.Context, in Input, v *Verdict) {
	if e.devices == nil || in.DeviceFingerprint == "" {
		return
	}
	res := e.devices.RecordAndCheck(ctx, in.UserID, in.DeviceFingerprint)
	if res.Known {
		return
	}
	v.add(Flag{
		Type:        FlagDeviceMismatch,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("device fingerprint not in recent history (%d known devices)", res.HistorySize),
	}, 0.7)
}

func (e *Engine) checkTiming(in Input, v *Verdict) {
	if !in.SessionStart.IsZero() && in.At.Before(in.SessionStart.Add(-e.cfg.EarlyWindow)) {
		v.add(Flag{
			Type:        FlagTooEarly,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("marked %s before session start", in.SessionStart.Sub(in.At).Round(time.Second)),
		}, 0.8)
	}
	if !in.SessionEnd.IsZero() && in.At.After(in.SessionEnd.Add(e.cfg.LateWindow)) {
		v.add(Flag{
			Type:        FlagTooLate,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("marked %s after session end", in.At.Sub(in.SessionEnd).Round(time.Second)),
		}, 0.6)
	}
}

func bulkKey(sessionID string, at time.Time) string {
	return "bulk:" + sessionID + ":" + at.UTC().Format("200601021504")
}

func (e *Engine) checkBulk(ctx context.Context, in Input, v *Verdict) {
	n, err := e.store.Incr(ctx, bulkKey(in.SessionID, in.At), e.cfg.BulkBucketTTL)
	if err != nil {
		e.logger.WarnContext(ctx, "bulk counter unavailable", "session_id", in.SessionID, "err", err)
		return
	}
	if n <= e.cfg.BulkThreshold {
		return
	}
	v.add(Flag{
		Type:        FlagBulkMarking,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("%d check-ins for this session within one minute", n),
	}, 0.5)
}

type locationFix struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

func locationKey(userID string) string { return "locations:" + userID }

func (e *Engine) checkLocation(ctx context.Context, in Input, v *Verdict) {
	key := locationKey(in.UserID)
	var history []locationFix
	raw, ok, err := e.store.Get(ctx, key)
	switch {
	case err != nil:
		e.logger.WarnContext(ctx, "location history unavailable", "user_id", in.UserID, "err", err)
	case ok:
		if err := json.Unmarshal(raw, &history); err != nil {
			history = nil
		}
	}

	if len(history) > 0 {
		last := history[len(history)-1]
		speed, err := geo.SpeedMetersPerSecond(geo.Point{Lat: last.Lat, Lon: last.Lon}, last.At, *in.Location, in.At)
		if err == nil && speed > e.cfg.MaxSpeedMPS {
			v.add(Flag{
				Type:        FlagImpossibleSpeed,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("impossible travel speed: %.1f m/s", speed),
			}, 0.4)
		}
	}

	history = append(history, locationFix{Lat: in.Location.Lat, Lon: in.Location.Lon, At: in.At})
	if len(history) > e.cfg.LocationHistorySize {
		history = history[len(history)-e.cfg.LocationHistorySize:]
	}
	if raw, err := json.Marshal(history); err == nil {
		if err := e.store.Set(ctx, key, raw, e.cfg.LocationHistoryTTL); err != nil {
			e.logger.WarnContext(ctx, "location history write failed", "user_id", in.UserID, "err", err)
		}
	}
}

func lastActionKey(userID string) string { return "last_action:" + userID }

func (e *Engine) checkRapidRepeat(ctx context.Context, in Input, v *Verdict) {
	stamp := []byte(in.At.UTC().Format(time.RFC3339Nano))
	prev, ok, err := e.store.Swap(ctx, lastActionKey(in.UserID), stamp, e.cfg.LastActionTTL)
	if err != nil {
		e.logger.WarnContext(ctx, "last action unavailable", "user_id", in.UserID, "err", err)
		return
	}
	if !ok {
		return
	}
	last, err := time.Parse(time.RFC3339Nano, string(prev))
	if err != nil {
		return
	}
	gap := in.At.Sub(last)
	if gap >= e.cfg.RapidRepeatWindow {
		return
	}
	v.add(Flag{
		Type:        FlagRapidMarking,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("marked %.1fs after the previous attempt", gap.Seconds()),
	}, 0.3)
}

func flagTypes(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f.Type)
	}
	return out
}
