package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow_Allow(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("refuses request limit+1 within the window", func(t *testing.T) {
		w := newSlidingWindow(3, time.Minute)

		assert.True(t, w.allowAt(base))
		assert.True(t, w.allowAt(base.Add(time.Second)))
		assert.True(t, w.allowAt(base.Add(2*time.Second)))
		assert.False(t, w.allowAt(base.Add(3*time.Second)))
		assert.False(t, w.allowAt(base.Add(30*time.Second)))
	})

	t.Run("recovers as timestamps slide out of the window", func(t *testing.T) {
		w := newSlidingWindow(2, time.Minute)

		assert.True(t, w.allowAt(base))
		assert.True(t, w.allowAt(base.Add(10*time.Second)))
		assert.False(t, w.allowAt(base.Add(20*time.Second)))

		// First timestamp expires at base+60s.
		assert.True(t, w.allowAt(base.Add(61*time.Second)))
		assert.False(t, w.allowAt(base.Add(62*time.Second)))
	})

	t.Run("zero limit means unlimited", func(t *testing.T) {
		w := newSlidingWindow(0, time.Minute)
		for i := 0; i < 1000; i++ {
			assert.True(t, w.allowAt(base.Add(time.Duration(i))))
		}
	})

	t.Run("refused requests do not consume capacity", func(t *testing.T) {
		w := newSlidingWindow(1, time.Minute)

		assert.True(t, w.allowAt(base))
		assert.False(t, w.allowAt(base.Add(time.Second)))
		assert.False(t, w.allowAt(base.Add(2*time.Second)))

		// Only the accepted request occupies the window.
		assert.True(t, w.allowAt(base.Add(61*time.Second)))
	})
}

func TestSlidingWindow_InWindow(t *testing.T) {
	w := newSlidingWindow(10, time.Minute)
	base := time.Now()

	assert.Equal(t, 0, w.InWindow())

	w.allowAt(base.Add(-2 * time.Minute)) // already expired
	w.allowAt(base)
	w.allowAt(base)

	assert.Equal(t, 2, w.InWindow())
}
