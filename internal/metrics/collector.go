package metrics

import (
	"context"
	"runtime"
	"time"

	"gorm.io/gorm"
)

// BusinessMetricsCollector periodically samples database-backed gauges:
// account totals, room activity, and connection pool stats.
type BusinessMetricsCollector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewBusinessMetricsCollector creates a collector over the given database.
func NewBusinessMetricsCollector(db *gorm.DB, interval time.Duration) *BusinessMetricsCollector {
	return &BusinessMetricsCollector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection until Stop or context cancellation.
func (bmc *BusinessMetricsCollector) Start(ctx context.Context) {
	go func() {
		bmc.collectAll()

		ticker := time.NewTicker(bmc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				bmc.collectAll()
			case <-bmc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector.
func (bmc *BusinessMetricsCollector) Stop() {
	close(bmc.stopCh)
}

func (bmc *BusinessMetricsCollector) collectAll() {
	bmc.collectUserMetrics()
	bmc.collectRoomMetrics()
	bmc.collectSystemMetrics()
	bmc.collectDatabaseMetrics()
}

func (bmc *BusinessMetricsCollector) collectUserMetrics() {
	if bmc.db == nil {
		return
	}

	var totalUsers int64
	if err := bmc.db.Table("users").Where("deleted_at IS NULL").Count(&totalUsers).Error; err == nil {
		bmc.metrics.UpdateTotalUsers(int(totalUsers))
	}
}

func (bmc *BusinessMetricsCollector) collectRoomMetrics() {
	if bmc.db == nil {
		return
	}

	// Rooms with edits in the last hour count as active.
	var activeRooms int64
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	if err := bmc.db.Table("rooms").Where("updated_at > ?", oneHourAgo).Count(&activeRooms).Error; err == nil {
		bmc.metrics.UpdateActiveRooms(int(activeRooms))
	}
}

func (bmc *BusinessMetricsCollector) collectSystemMetrics() {
	bmc.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}

func (bmc *BusinessMetricsCollector) collectDatabaseMetrics() {
	if bmc.db == nil {
		return
	}

	sqlDB, err := bmc.db.DB()
	if err != nil {
		return
	}

	stats := sqlDB.Stats()
	bmc.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	bmc.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
