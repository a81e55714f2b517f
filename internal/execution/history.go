package execution

import (
	"codehive/pkg/models"

	"gorm.io/gorm"
)

// historyLimit caps the per-room history returned to clients.
const historyLimit = 50

// HistoryStore is the durable audit log of submissions. Writes are
// best-effort from the caller's point of view; a history failure never
// fails a request.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore creates a history store.
func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// AppendPending records a submission before it runs.
func (h *HistoryStore) AppendPending(sub *models.Submission) error {
	return h.db.Create(&models.ExecutionLog{
		SubmissionID: sub.SubmissionID,
		RoomID:       sub.RoomID,
		UserID:       sub.UserID,
		Language:     sub.Language,
		Code:         sub.Code,
		Status:       models.StatusPending,
	}).Error
}

// RecordResult fills in the outcome of a previously appended submission.
func (h *HistoryStore) RecordResult(result *models.ExecutionResult) error {
	return h.db.Model(&models.ExecutionLog{}).
		Where("submission_id = ?", result.SubmissionID).
		Updates(map[string]interface{}{
			"status":      result.Status,
			"stdout":      result.Stdout,
			"stderr":      result.Stderr,
			"exit_code":   result.ExitCode,
			"wall_millis": result.WallMillis,
		}).Error
}

// Recent returns the newest executions for a room, most recent first.
func (h *HistoryStore) Recent(roomID string) ([]models.ExecutionLog, error) {
	var logs []models.ExecutionLog
	err := h.db.Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(historyLimit).
		Find(&logs).Error
	return logs, err
}
