package review

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sams/internal/attendance"
	"sams/internal/queue"
)

func TestForward(t *testing.T) {
	body, err := json.Marshal(activity(1))
	require.NoError(t, err)

	msgs := make(chan queue.Message, 4)
	msgs <- queue.Message{Type: attendance.EventFlagged, Body: body}
	msgs <- queue.Message{Type: "something.else", Body: body}
	msgs <- queue.Message{Type: attendance.EventFlagged, Body: json.RawMessage(`"not an object"`)}
	close(msgs)

	feed := NewMemory(10)
	n := Forward(context.Background(), msgs, feed, nil)
	assert.Equal(t, 1, n)

	got, err := feed.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rec-1", got[0].RecordID)
}

func TestForwardStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, Forward(ctx, make(chan queue.Message), NewMemory(1), nil))
}
