// Package execution bridges the gateway and the sandbox workers: the
// Coordinator enqueues submissions and awaits their outcome, the Worker
// drains the queue and runs the sandbox, and results are handed back
// through the shared key-value store plus a pub/sub notification.
package execution

import (
	"time"

	"codehive/pkg/models"
)

const (
	// ResultKeyPrefix is where workers park serialized results for the
	// coordinator and the room fabric to pick up.
	ResultKeyPrefix = "execution-result:"

	// ResultTTL bounds how long an unclaimed result lives in the KVS.
	ResultTTL = 300 * time.Second

	// EventChannel is the pub/sub channel carrying completed results
	// back to the realtime gateway.
	EventChannel = "execution:events"
)

// ResultKey returns the KVS key for a submission's result.
func ResultKey(submissionID string) string {
	return ResultKeyPrefix + submissionID
}

// ResultEvent is the message published on EventChannel when a worker
// finishes a submission.
type ResultEvent struct {
	RoomID       string                  `json:"roomId"`
	SubmissionID string                  `json:"submissionId"`
	Result       *models.ExecutionResult `json:"result"`
}
