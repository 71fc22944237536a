package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearcec/proppilot/internal/logging"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logging.New(logging.Config{Output: &buf}))
	require.NoError(t, n.Notify(context.Background(), Notice{Kind: "cleaner_notified", PropertyID: "cabin", To: "+15550100"}))
	assert.Contains(t, buf.String(), "cleaner_notified")
	assert.Contains(t, buf.String(), "cabin")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Notify(context.Background(), Notice{Kind: "a"}))
	r.Err = errors.New("sms gateway down")
	assert.Error(t, r.Notify(context.Background(), Notice{Kind: "b"}))
	assert.Len(t, r.Notices(), 1)
}

func TestFunc(t *testing.T) {
	var got Notice
	var n Notifier = Func(func(_ context.Context, in Notice) error {
		got = in
		return nil
	})
	require.NoError(t, n.Notify(context.Background(), Notice{Subject: "hi"}))
	assert.Equal(t, "hi", got.Subject)
}
