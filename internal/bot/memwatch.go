package bot

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/metrics"
)

const (
	memWarnThresholdBytes  = 600 * 1024 * 1024
	memCritThresholdBytes  = 1200 * 1024 * 1024
	goroutineWarnThreshold = 500
	goroutineCritThreshold = 1000
	memCheckInterval       = 30 * time.Second
)

type resourceLevel int

const (
	resourcesOK resourceLevel = iota
	resourcesWarn
	resourcesCritical
)

// resourceWatcher samples heap and goroutine counts into the metrics. Above
// the critical threshold it raises overloaded so new requests are turned away
// until the running ones drain; it never stops the bot.
type resourceWatcher struct {
	log        *logging.Logger
	interval   time.Duration
	overloaded *atomic.Bool
	lastWarnAt time.Time
}

func newResourceWatcher(log *logging.Logger, overloaded *atomic.Bool) *resourceWatcher {
	return &resourceWatcher{log: log, interval: memCheckInterval, overloaded: overloaded}
}

func (w *resourceWatcher) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Infof("memwatch: started (warn=%dMB, crit=%dMB, goroutines warn=%d crit=%d)",
		memWarnThresholdBytes/(1024*1024),
		memCritThresholdBytes/(1024*1024),
		goroutineWarnThreshold,
		goroutineCritThreshold,
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Infof("memwatch: stopped")
			return nil
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			w.check(ms.HeapAlloc, runtime.NumGoroutine())
		}
	}
}

func (w *resourceWatcher) check(heap uint64, goroutines int) {
	metrics.GoMemAllocBytes.Set(float64(heap))
	metrics.GoGoroutines.Set(float64(goroutines))

	heapMB := heap / (1024 * 1024)
	level := classifyResources(heap, goroutines)
	switch level {
	case resourcesCritical:
		if !w.overloaded.Swap(true) {
			w.log.Errorf("memwatch: CRITICAL heap=%dMB goroutines=%d, refusing new requests", heapMB, goroutines)
		}
		runtime.GC()
		return
	case resourcesWarn:
		if time.Since(w.lastWarnAt) > 10*time.Minute {
			w.log.Warnf("memwatch: WARNING heap=%dMB goroutines=%d", heapMB, goroutines)
			runtime.GC()
			w.lastWarnAt = time.Now()
		}
	}
	if w.overloaded.Swap(false) {
		w.log.Infof("memwatch: back under limits (heap=%dMB goroutines=%d), accepting requests", heapMB, goroutines)
	}
}

func classifyResources(heap uint64, goroutines int) resourceLevel {
	switch {
	case heap >= memCritThresholdBytes || goroutines >= goroutineCritThreshold:
		return resourcesCritical
	case heap > memWarnThresholdBytes || goroutines >= goroutineWarnThreshold:
		return resourcesWarn
	}
	return resourcesOK
}
