package bridge

import (
	"sync"

	"github.com/automotive-pi/canbridge/internal/obd"
)

// cache holds the last decoded value per monitored parameter. The reader
// goroutine is the only writer; the session's read path is the only
// other accessor. The lock is scoped to single map operations so neither
// side can stall the other for longer than a map mutation.
type cache struct {
	mu     sync.Mutex
	values map[obd.Parameter]float64
}

func newCache() *cache {
	c := &cache{}
	c.reset()
	return c
}

// reset reseeds every parameter with its calibration-safe baseline.
func (c *cache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[obd.Parameter]float64, len(obd.Parameters()))
	for _, p := range obd.Parameters() {
		c.values[p] = p.Default()
	}
}

func (c *cache) get(p obd.Parameter) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[p]
}

func (c *cache) put(p obd.Parameter, v float64) {
	c.mu.Lock()
	c.values[p] = v
	c.mu.Unlock()
}

// snapshot copies the full table for broadcast consumers.
func (c *cache) snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.values))
	for p, v := range c.values {
		out[p.Name()] = v
	}
	return out
}
