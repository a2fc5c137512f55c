package review

import (
	"context"
	"encoding/json"
	"log/slog"

	"sams/internal/attendance"
	"sams/internal/queue"
)

// Forward pushes every flagged check-in arriving on msgs into feed until msgs
// is closed or ctx is done. It returns the number of activities pushed.
func Forward(ctx context.Context, msgs <-chan queue.Message, feed Feed, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	pushed := 0
	for {
		select {
		case <-ctx.Done():
			return pushed
		case msg, ok := <-msgs:
			if !ok {
				return pushed
			}
			if msg.Type != attendance.EventFlagged {
				logger.DebugContext(ctx, "event ignored", "type", msg.Type)
				continue
			}
			var a Activity
			if err := json.Unmarshal(msg.Body, &a); err != nil {
				logger.WarnContext(ctx, "flagged event dropped", "err", err)
				continue
			}
			if err := feed.Push(ctx, a); err != nil {
				logger.ErrorContext(ctx, "feed push failed", "attendance_id", a.RecordID, "err", err)
				continue
			}
			pushed++
			logger.InfoContext(ctx, "suspicious activity recorded",
				"attendance_id", a.RecordID,
				"student_id", a.StudentID,
				"severity", a.Severity,
			)
		}
	}
}
