package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/engine"
	"github.com/warp/operation-ledger/notify"
)

type failingSink struct{ err error }

func (s failingSink) Notify(context.Context, engine.Notification) error { return s.err }

func expired() engine.Notification {
	return engine.Notification{
		ID:        "n-1",
		AccountID: "acct-1",
		Title:     "Operation expired",
		Message:   "Session expired: no activity during captcha verification.",
		Severity:  engine.SeverityWarning,
		Link:      "/operations/op-1",
	}
}

func TestFanOut_DeliversToEverySink(t *testing.T) {
	ctx := context.Background()
	first, second := &notify.Recorder{}, &notify.Recorder{}
	boom := errors.New("smtp down")

	fan := notify.FanOut{first, failingSink{err: boom}, second, notify.NewLogSink(arbor.NewLogger())}
	err := fan.Notify(ctx, expired())

	// A failing sink does not stop the others, and its error is reported
	require.ErrorIs(t, err, boom)
	assert.Len(t, first.Sent(), 1)
	assert.Len(t, second.Sent(), 1)
	assert.Equal(t, "/operations/op-1", second.Sent()[0].Link)
}

func TestFanOut_Empty(t *testing.T) {
	assert.NoError(t, notify.FanOut{}.Notify(context.Background(), expired()))
}

func TestRecorder_SentIsACopy(t *testing.T) {
	r := &notify.Recorder{}
	require.NoError(t, r.Notify(context.Background(), expired()))

	sent := r.Sent()
	sent[0].Title = "changed"
	assert.Equal(t, "Operation expired", r.Sent()[0].Title)
}
