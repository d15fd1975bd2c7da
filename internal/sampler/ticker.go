package sampler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clocked receives the periodic callbacks driven by a Ticker.
type Clocked interface {
	Tick()
	NewSecond()
}

// Ticker calls Tick every period and NewSecond once per second worth of
// ticks.
type Ticker struct {
	target   Clocked
	period   time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewTicker(target Clocked, period time.Duration, logger *zap.Logger) *Ticker {
	if period <= 0 {
		period = time.Millisecond
	}
	return &Ticker{
		target: target,
		period: period,
		logger: logger,
	}
}

// TicksPerSecond is the number of ticks between two NewSecond calls.
func (t *Ticker) TicksPerSecond() int {
	n := int(time.Second / t.period)
	if n < 1 {
		n = 1
	}
	return n
}

// Start starts the periodic loop
func (t *Ticker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	t.running = true
	t.stopChan = make(chan struct{})
	t.wg.Add(1)

	go t.tickLoop(t.stopChan)

	t.logger.Info("Ticker started",
		zap.Duration("period", t.period),
		zap.Int("ticks_per_second", t.TicksPerSecond()))

	return nil
}

// Stop stops the loop and waits for the running tick to complete
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	close(t.stopChan)
	t.running = false
	t.mu.Unlock()

	t.wg.Wait()

	t.logger.Info("Ticker stopped")
}

func (t *Ticker) tickLoop(stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	perSecond := t.TicksPerSecond()
	n := 0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n++
			if n > perSecond {
				t.target.NewSecond()
				n = 1
			}
			t.target.Tick()
		}
	}
}

// IsRunning reports whether the loop is active
func (t *Ticker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
