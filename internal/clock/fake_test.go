package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_AdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "three") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "one") })
	stopped := c.AfterFunc(2*time.Second, func() { order = append(order, "two") })
	assert.True(t, stopped.Stop())
	assert.Equal(t, 2, c.Pending())

	c.Advance(5 * time.Second)

	assert.Equal(t, []string{"one", "three"}, order)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 5*time.Second, c.Since(start))
}

func TestFakeClock_AfterFuncNonPositiveRunsImmediately(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ran := false
	timer := c.AfterFunc(0, func() { ran = true })
	assert.True(t, ran)
	assert.False(t, timer.Stop())
}
