package dispatchlog

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitValidLevel(t *testing.T) {
	ctx, err := Init(context.Background(), "debug")
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		dlog.Debug(ctx, "hello")
	})
}

func TestInitInvalidLevelFallsBackToInfo(t *testing.T) {
	ctx, err := Init(context.Background(), "not-a-level")
	require.Error(t, err)
	assert.NotPanics(t, func() {
		dlog.Info(ctx, "hello")
	})
}
