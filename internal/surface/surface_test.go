package surface

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineContext(t *testing.T) {
	t.Run("secondary cancellation propagates", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		combined, cancel := combineContext(context.Background(), secondary)
		defer cancel()

		cancelSecondary()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context never canceled")
		}
	})

	t.Run("parent cancellation propagates", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		combined, cancel := combineContext(parent, context.Background())
		defer cancel()

		cancelParent()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context never canceled")
		}
	})

	t.Run("explicit cancel releases the watcher", func(t *testing.T) {
		combined, cancel := combineContext(context.Background(), context.Background())
		cancel()
		require.Error(t, combined.Err())
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}
