package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoopAlwaysGrantsLease(t *testing.T) {
	ctx := context.Background()
	var locker Locker = Noop{}

	first, err := locker.Obtain(ctx, "stockbook:test", time.Second)
	require.NoError(t, err)
	second, err := locker.Obtain(ctx, "stockbook:test", time.Second)
	require.NoError(t, err)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Release(ctx))
}
