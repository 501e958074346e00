// Package resources accounts for concurrent-task slots and memory, CPU and
// disk budgets, and performs admission control for the worker pool.
package resources

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Denial reason codes returned by Allocate.
const (
	DenyCPUSaturated         = "cpu_saturated"
	DenyMemoryExhausted      = "memory_exhausted"
	DenyDiskExhausted        = "disk_exhausted"
	DenyConcurrencySaturated = "concurrency_saturated"
)

// cpuSoftCeilingMargin denies new work when CPU usage is already within this
// margin of the limit.
const cpuSoftCeilingMargin = 10.0

// warningThresholdPct is the utilization level that triggers a warning event.
const warningThresholdPct = 80.0

// ErrInvalidLimits is returned when the manager is constructed without
// limits. Absent limits is a configuration error, not a default.
var ErrInvalidLimits = errors.New("resource limits are required")

// Limits are the hard budgets of one orchestrator instance.
type Limits struct {
	MaxConcurrentTasks int
	MaxMemoryBytes     int64
	MaxCPUPercent      float64
	MaxDiskBytes       int64
}

// Hint is the per-task resource estimate used at admission time.
type Hint struct {
	MemoryBytes int64
	CPUPercent  float64
	DiskBytes   int64
}

// Allocation is the ephemeral record of a running task's reservation.
type Allocation struct {
	TaskID      string
	AgentID     string
	MemoryBytes int64
	CPUPercent  float64
	DiskBytes   int64
	AllocatedAt time.Time
}

// Utilization is a point-in-time usage snapshot as percentages of the
// configured limits.
type Utilization struct {
	MemoryPct     float64 `json:"memory_pct"`
	CPUPct        float64 `json:"cpu_pct"`
	DiskPct       float64 `json:"disk_pct"`
	ConcurrentPct float64 `json:"concurrent_pct"`
}

// EventType labels resource manager notifications.
type EventType string

const (
	// EventWarning fires when a utilization dimension crosses 80%
	EventWarning EventType = "warning"
	// EventLimitsUpdated fires when the limits change at runtime
	EventLimitsUpdated EventType = "limits_updated"
)

// Event is a resource manager notification.
type Event struct {
	Type      EventType
	Dimension string
	Percent   float64
}

// Manager performs atomic check-and-commit admission against the configured
// limits and tracks reservations of running tasks.
type Manager struct {
	mu          sync.Mutex
	limits      Limits
	allocations map[string]*Allocation
	memoryUsed  int64
	diskUsed    int64
	cpuReserved float64

	// processMemory is refreshed by the monitoring loop.
	processMemory int64

	// warned tracks dimensions currently above the warning threshold so each
	// crossing emits one event.
	warned map[string]bool

	onEvent func(Event)

	monitorPeriod time.Duration
	cancelMonitor context.CancelFunc
	done          chan struct{}
}

// NewManager creates a resource manager. A zero-value limits struct is a
// configuration error.
func NewManager(limits Limits, onEvent func(Event)) (*Manager, error) {
	if limits.MaxConcurrentTasks <= 0 || limits.MaxMemoryBytes <= 0 || limits.MaxCPUPercent <= 0 {
		return nil, ErrInvalidLimits
	}
	if limits.MaxDiskBytes <= 0 {
		limits.MaxDiskBytes = 10 << 30
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	return &Manager{
		limits:        limits,
		allocations:   make(map[string]*Allocation),
		warned:        make(map[string]bool),
		onEvent:       onEvent,
		monitorPeriod: 10 * time.Second,
	}, nil
}

// StartMonitor begins the sampling loop that refreshes process metrics.
func (m *Manager) StartMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelMonitor = cancel
	m.done = make(chan struct{})
	done := m.done
	period := m.monitorPeriod
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// StopMonitor stops the sampling loop.
func (m *Manager) StopMonitor() {
	m.mu.Lock()
	cancel := m.cancelMonitor
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// sample refreshes process-level metrics and re-evaluates warnings.
func (m *Manager) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.mu.Lock()
	m.processMemory = int64(stats.HeapAlloc)
	util := m.utilizationLocked()
	m.checkWarningsLocked(util)
	m.mu.Unlock()
}

// Allocate atomically checks and commits a reservation. On denial it
// returns false with a reason code; denials are transient and the caller
// requeues the task.
func (m *Manager) Allocate(taskID, agentID string, hint Hint) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[taskID]; exists {
		// Duplicate delivery of a job already admitted; treat as held.
		return true, ""
	}

	if len(m.allocations)+1 > m.limits.MaxConcurrentTasks {
		return false, DenyConcurrencySaturated
	}
	if m.memoryUsed+hint.MemoryBytes > m.limits.MaxMemoryBytes {
		return false, DenyMemoryExhausted
	}
	if m.diskUsed+hint.DiskBytes > m.limits.MaxDiskBytes {
		return false, DenyDiskExhausted
	}
	cpuAfter := m.cpuReserved + hint.CPUPercent
	if cpuAfter > m.limits.MaxCPUPercent ||
		m.cpuReserved >= m.limits.MaxCPUPercent-cpuSoftCeilingMargin {
		return false, DenyCPUSaturated
	}

	m.allocations[taskID] = &Allocation{
		TaskID:      taskID,
		AgentID:     agentID,
		MemoryBytes: hint.MemoryBytes,
		CPUPercent:  hint.CPUPercent,
		DiskBytes:   hint.DiskBytes,
		AllocatedAt: time.Now().UTC(),
	}
	m.memoryUsed += hint.MemoryBytes
	m.diskUsed += hint.DiskBytes
	m.cpuReserved = cpuAfter

	m.checkWarningsLocked(m.utilizationLocked())

	log.WithFields(log.Fields{
		"task_id":  taskID,
		"agent_id": agentID,
		"memory":   hint.MemoryBytes,
		"cpu":      hint.CPUPercent,
	}).Debug("Allocated resources")

	return true, ""
}

// Release deducts a recorded reservation. Idempotent.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allocation, exists := m.allocations[taskID]
	if !exists {
		return
	}
	delete(m.allocations, taskID)

	m.memoryUsed -= allocation.MemoryBytes
	m.diskUsed -= allocation.DiskBytes
	m.cpuReserved -= allocation.CPUPercent
	if m.memoryUsed < 0 {
		m.memoryUsed = 0
	}
	if m.diskUsed < 0 {
		m.diskUsed = 0
	}
	if m.cpuReserved < 0 {
		m.cpuReserved = 0
	}

	log.WithField("task_id", taskID).Debug("Released resources")
}

// Utilization returns the current usage snapshot.
func (m *Manager) Utilization() Utilization {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() Utilization {
	memory := m.memoryUsed
	if m.processMemory > memory {
		memory = m.processMemory
	}

	return Utilization{
		MemoryPct:     pct(float64(memory), float64(m.limits.MaxMemoryBytes)),
		CPUPct:        pct(m.cpuReserved, m.limits.MaxCPUPercent),
		DiskPct:       pct(float64(m.diskUsed), float64(m.limits.MaxDiskBytes)),
		ConcurrentPct: pct(float64(len(m.allocations)), float64(m.limits.MaxConcurrentTasks)),
	}
}

// checkWarningsLocked emits one warning event per threshold crossing.
func (m *Manager) checkWarningsLocked(util Utilization) {
	dimensions := map[string]float64{
		"memory":      util.MemoryPct,
		"cpu":         util.CPUPct,
		"disk":        util.DiskPct,
		"concurrency": util.ConcurrentPct,
	}

	for dimension, value := range dimensions {
		above := value >= warningThresholdPct
		if above && !m.warned[dimension] {
			m.warned[dimension] = true
			event := Event{Type: EventWarning, Dimension: dimension, Percent: value}
			go m.onEvent(event)
			log.WithFields(log.Fields{
				"dimension": dimension,
				"percent":   fmt.Sprintf("%.1f", value),
			}).Warn("Resource utilization above threshold")
		} else if !above && m.warned[dimension] {
			m.warned[dimension] = false
		}
	}
}

// UpdateLimits replaces the hard limits at runtime.
func (m *Manager) UpdateLimits(limits Limits) error {
	if limits.MaxConcurrentTasks <= 0 || limits.MaxMemoryBytes <= 0 || limits.MaxCPUPercent <= 0 {
		return ErrInvalidLimits
	}

	m.mu.Lock()
	if limits.MaxDiskBytes <= 0 {
		limits.MaxDiskBytes = 10 << 30
	}
	m.limits = limits
	m.mu.Unlock()

	go m.onEvent(Event{Type: EventLimitsUpdated})
	log.WithField("max_concurrent_tasks", limits.MaxConcurrentTasks).Info("Resource limits updated")
	return nil
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// ActiveAllocations returns the number of currently held reservations.
func (m *Manager) ActiveAllocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations)
}

func pct(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return value / limit * 100
}
