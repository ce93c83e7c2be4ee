// Package stats samples system and engine statistics for the operational
// HTTP surface and the periodic log line.
package stats

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"

	"face-sentry-go/internal/core/engine"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond
)

// Snapshot is one sample of system and engine statistics.
type Snapshot struct {
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryAlloc uint64  `json:"memory_alloc"`
	MemorySys   uint64  `json:"memory_sys"`

	Engine engine.Counters `json:"engine"`

	Timestamp time.Time `json:"timestamp"`
}

// FormatBytes renders bytes in readable units (KB, MB, GB).
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}

// cpuUsage measures CPU load with gopsutil, returning a cached value when
// sampled again within the sample rate.
func cpuUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if time.Since(lastCPUTime) < cpuUsageSampleRate && lastCPUTime.Unix() > 0 {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Failed to sample CPU usage: %v", err)
		return 0.0
	}

	var usage float64
	if len(percentages) > 0 {
		usage = percentages[0]
	}

	lastCPUTime = time.Now()
	lastCPUUsage = usage

	return usage
}

// Collect takes a snapshot of current system and engine statistics.
func Collect(eng *engine.Engine) *Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := &Snapshot{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    cpuUsage(),
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
		Timestamp:   time.Now(),
	}
	if eng != nil {
		s.Engine = eng.Counters()
	}
	return s
}

// Reporter logs a stats snapshot on a fixed interval.
type Reporter struct {
	engine   *engine.Engine
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewReporter creates a periodic stats reporter.
func NewReporter(eng *engine.Engine, interval time.Duration) *Reporter {
	return &Reporter{
		engine:   eng,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the reporting loop. A non-positive interval disables it.
func (r *Reporter) Start() {
	if r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.loop()
}

// Stop terminates the reporting loop.
func (r *Reporter) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Reporter) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := Collect(r.engine)
			log.WithFields(log.Fields{
				"cpu":         fmt.Sprintf("%.1f%%", s.CPUUsage),
				"mem":         FormatBytes(s.MemoryAlloc),
				"goroutines":  s.GoRoutines,
				"known":       s.Engine.Known,
				"unknown":     s.Engine.UnknownRegistered,
				"open_tracks": s.Engine.OpenTracks,
			}).Info("System stats")
		case <-r.stop:
			return
		}
	}
}
