package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacer_Next(t *testing.T) {
	cfg := Config{Floor: 500 * time.Millisecond, Ceiling: time.Minute, NearTip: 5, FarBehind: 50}
	p := NewPacer(12*time.Second, cfg)

	cases := []struct {
		behind uint32
		want   time.Duration
	}{
		{0, 12 * time.Second},
		{3, 6 * time.Second},
		{20, time.Second},
		{50, 500 * time.Millisecond},
		{800000, 500 * time.Millisecond},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, p.Next(c.behind), "behind=%d", c.behind)
		assert.Equal(t, c.want, p.Last())
	}
}

func TestPacer_Clamps(t *testing.T) {
	p := NewPacer(10*time.Second, Config{Floor: time.Second, Ceiling: 2 * time.Second, NearTip: 5, FarBehind: 50})
	assert.Equal(t, 2*time.Second, p.Last())
	assert.Equal(t, 2*time.Second, p.Next(0))

	p = NewPacer(50*time.Millisecond, Config{Floor: time.Second, Ceiling: time.Minute, NearTip: 5, FarBehind: 50})
	assert.Equal(t, time.Second, p.Next(1))
}
