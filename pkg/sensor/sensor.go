package sensor

import (
	"runtime"
	"sync"
	"time"
)

// Snapshot is a lightweight view of process load. Values are sampled on
// an interval, not computed per request.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Goroutines int       `json:"goroutines"`
	HeapAlloc  uint64    `json:"heap_alloc"`
	HeapSys    uint64    `json:"heap_sys"`
	NumGC      uint32    `json:"num_gc"`
	Uptime     string    `json:"uptime"`
}

// Sensor polls process stats and exposes the current Snapshot.
type Sensor struct {
	mu       sync.RWMutex
	snap     Snapshot
	interval time.Duration
	started  time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSensor creates a sensor that polls every interval.
func NewSensor(interval time.Duration) *Sensor {
	return &Sensor{interval: interval, stop: make(chan struct{})}
}

// Start begins background polling. Call Stop to terminate.
func (s *Sensor) Start() {
	s.started = time.Now()
	s.sample()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop stops background polling and waits for the worker to exit.
func (s *Sensor) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Snapshot returns the most recent sample.
func (s *Sensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Sensor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := Snapshot{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

var (
	defMu  sync.RWMutex
	defSen *Sensor
)

// StartDefault starts the process-wide sensor used by the stats endpoint.
// The returned stop function is idempotent.
func StartDefault(interval time.Duration) func() {
	s := NewSensor(interval)
	s.Start()
	defMu.Lock()
	defSen = s
	defMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.Stop()
			defMu.Lock()
			if defSen == s {
				defSen = nil
			}
			defMu.Unlock()
		})
	}
}

// Current returns the default sensor's snapshot, zero when not running.
func Current() Snapshot {
	defMu.RLock()
	s := defSen
	defMu.RUnlock()
	if s == nil {
		return Snapshot{}
	}
	return s.Snapshot()
}
