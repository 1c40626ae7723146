package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestIsDisconnected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"closed conn", net.ErrClosed, true},
		{"websocket", errors.New("websocket: close 1006 (abnormal closure)"), true},
		{"target closed", errors.New("{-32000 Target closed }"), true},
		{"no target", errors.New("No target with given id found"), true},
		{"transport code", apierror.NewAPIError(apierror.ErrTransport, "gone", nil), true},
		{"element missing", errors.New("cannot find element"), false},
		{"stale", errors.New("Node with given id does not belong to the document"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDisconnected(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, classify(ctx, "click", nil))

	err := classify(ctx, "navigate", errors.New("use of closed network connection"))
	assert.True(t, apierror.IsRetryable(err))

	err = classify(ctx, "element html", errors.New("{-32000 Node with given id does not belong to the document }"))
	assert.ErrorIs(t, err, ErrStaleElement)
	assert.True(t, IsStale(err))
	assert.False(t, apierror.IsRetryable(err))

	err = classify(ctx, "find #username", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrElementNotFound)

	err = classify(ctx, "evaluate", errors.New("boom"))
	assert.EqualError(t, err, "evaluate: boom")
}

func TestClassifyReturnsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classify(ctx, "find #username", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrElementNotFound)
}
