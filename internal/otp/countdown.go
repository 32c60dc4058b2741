package otp

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Countdown ticks a seconds counter down from a fixed window to zero
type Countdown struct {
	clock  clockwork.Clock
	window time.Duration

	mu         sync.Mutex
	remaining  int
	running    bool
	closed     bool
	gen        uint64
	ticker     clockwork.Ticker
	stop       chan struct{}
	onComplete func()
}

func NewCountdown(clock clockwork.Clock, window time.Duration) *Countdown {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Countdown{clock: clock, window: window}
}

// OnComplete registers fn to run when the counter reaches zero on its own
func (c *Countdown) OnComplete(fn func()) {
	c.mu.Lock()
	c.onComplete = fn
	c.mu.Unlock()
}

// Start restarts the counter at the full window, replacing any running ticker
func (c *Countdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.halt()

	c.gen++
	c.remaining = int(c.window / time.Second)
	if c.remaining <= 0 {
		c.remaining = 0
		return
	}
	c.running = true
	c.ticker = c.clock.NewTicker(time.Second)
	c.stop = make(chan struct{})
	go c.run(c.gen, c.ticker, c.stop)
}

// Stop cancels the ticker and zeroes the counter
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halt()
	c.remaining = 0
}

// Close stops the counter for good; Start becomes a no-op
func (c *Countdown) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halt()
	c.remaining = 0
	c.closed = true
}

func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Format renders the remaining time as MM:SS
func (c *Countdown) Format() string {
	return FormatClock(c.Remaining())
}

// halt must be called with mu held
func (c *Countdown) halt() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.running = false
	c.gen++
}

func (c *Countdown) run(gen uint64, ticker clockwork.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.remaining--
			if c.remaining > 0 {
				c.mu.Unlock()
				continue
			}
			c.remaining = 0
			c.halt()
			fn := c.onComplete
			c.mu.Unlock()

			if fn != nil {
				fn()
			}
			return
		}
	}
}

func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
