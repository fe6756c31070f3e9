package queue

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/stagee/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring.
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`
	WorkersTotal  int     `json:"workers_total"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	EntriesQueued int     `json:"entries_queued"`
	EntriesLeased int     `json:"entries_leased"`
}

func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
func calculateSafeWorkerCount(availableMB, perWorkerMB uint64) int {
	const reservedMB = 512

	if perWorkerMB == 0 || availableMB <= reservedMB {
		return 1
	}
	recommended := int((availableMB - reservedMB) / perWorkerMB)
	if recommended < 1 {
		return 1
	}
	return recommended
}

// GetSystemMetrics returns current resource usage. Queue counts are zero when
// the database cannot be read.
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	var m SystemMetrics
	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}
	if stats, err := wp.queue.Stats(ctx); err == nil {
		m.EntriesQueued = stats.Queued
		m.EntriesLeased = stats.Leased
	}

	wp.mu.Lock()
	m.WorkersActive = wp.activeWorkers
	wp.mu.Unlock()
	m.WorkersTotal = wp.cfg.Workers
	return m
}

// checkMemoryPressure returns a warning when the configured worker count
// likely exceeds available memory, or "" when it fits.
func (wp *WorkerPool) checkMemoryPressure() string {
	_, available, err := getMemoryStats()
	if err != nil {
		return ""
	}
	safe := calculateSafeWorkerCount(available/1024/1024, wp.cfg.MemoryPerWorkerMB)
	if wp.cfg.Workers > safe {
		return fmt.Sprintf("%d workers configured, %d MB available supports about %d",
			wp.cfg.Workers, available/1024/1024, safe)
	}
	return ""
}
