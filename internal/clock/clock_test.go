package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), f.Now())

	f.Set(start)
	assert.Equal(t, start, f.Now())
}

func TestOrReal(t *testing.T) {
	assert.IsType(t, Real{}, OrReal(nil))

	f := NewFake(time.Unix(0, 0))
	assert.Same(t, f, OrReal(f))
}
