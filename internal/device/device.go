package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"sams/internal/kv"
)

const (
	DefaultHistorySize = 5
	DefaultHistoryTTL  = 30 * 24 * time.Hour
)

// Config bounds the per-user history.
type Config struct {
	HistorySize int
	HistoryTTL  time.Duration
}

// Check is the outcome of RecordAndCheck.
type Check struct {
	Known       bool
	HistorySize int
}

// Store remembers the most recently seen device fingerprints per user.
type Store struct {
	kv     kv.Store
	cfg    Config
	logger *slog.Logger
}

// NewStore builds a Store on top of a kv.Store.
func NewStore(store kv.Store, cfg Config, logger *slog.Logger) *Store {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = DefaultHistoryTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: store, cfg: cfg, logger: logger}
}

func historyKey(userID string) string { return "devices:" + userID }

// RecordAndCheck reports whether fingerprint is already in the user's history
// and then records it as the most recent one. A user without history is
// trusted on first use. Store failures are treated as an empty history.
func (s *Store) RecordAndCheck(ctx context.Context, userID, fingerprint string) Check {
	history := s.load(ctx, userID)
	if len(history) == 0 {
		s.save(ctx, userID, []string{fingerprint})
		return Check{Known: true, HistorySize: 1}
	}

	known := false
	kept := history[:0]
	for _, fp := range history {
		if fp == fingerprint {
			known = true
			continue
		}
		kept = append(kept, fp)
	}
	kept = append(kept, fingerprint)
	if len(kept) > s.cfg.HistorySize {
		kept = kept[len(kept)-s.cfg.HistorySize:]
	}
	s.save(ctx, userID, kept)
	return Check{Known: known, HistorySize: len(kept)}
}

// History returns the user's fingerprints, oldest first.
func (s *Store) History(ctx context.Context, userID string) []string {
	return s.load(ctx, userID)
}

// Forget drops the user's history.
func (s *Store) Forget(ctx context.Context, userID string) error {
	return s.kv.Delete(ctx, historyKey(userID))
}

func (s *Store) load(ctx context.Context, userID string) []string {
	raw, ok, err := s.kv.Get(ctx, historyKey(userID))
	if err != nil {
		s.logger.WarnContext(ctx, "device history unavailable", "user_id", userID, "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	var history []string
	if err := json.Unmarshal(raw, &history); err != nil {
		s.logger.WarnContext(ctx, "device history corrupt", "user_id", userID, "err", err)
		return nil
	}
	return history
}

func (s *Store) save(ctx context.Context, userID string, history []string) {
	raw, err := json.Marshal(history)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, historyKey(userID), raw, s.cfg.HistoryTTL); err != nil {
		s.logger.WarnContext(ctx, "device history write failed", "user_id", userID, "err", err)
	}
}

// Derive builds a fingerprint from request attributes for clients that do not
// send one.
func Derive(userAgent, ip, acceptLanguage string) string {
	payload, _ := json.Marshal(struct {
		AcceptLanguage string `json:"accept_language"`
		IPAddress      string `json:"ip_address"`
		UserAgent      string `json:"user_agent"`
	}{acceptLanguage, ip, userAgent})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
