// CODEHIVE Data Models
// GORM models for users, rooms, memberships, and execution history,
// plus the shared value types passed between the gateway, the queue,
// and the execution workers.

package models

import (
	"time"

	"gorm.io/gorm"
)

// Membership roles, ordered by privilege.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Execution statuses carried by ExecutionResult and ExecutionLog.
const (
	StatusPending          = "pending"
	StatusSuccess          = "success"
	StatusCompilationError = "compilation_error"
	StatusRuntimeError     = "runtime_error"
	StatusTimeout          = "timeout"
	StatusMemoryLimit      = "memory_limit"
	StatusSystemError      = "system_error"
)

// User represents a registered account.
type User struct {
	ID           uint           `json:"id" gorm:"primarykey"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"-"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
	Email        string         `json:"email" gorm:"uniqueIndex;not null;size:255"`
	Name         string         `json:"name" gorm:"not null;size:50"`
	PasswordHash string         `json:"-" gorm:"not null"`
}

// Room is a collaboration context with a single shared code buffer.
// Rooms are hard-deleted when the owner leaves, so no DeletedAt here.
type Room struct {
	ID           uint      `json:"-" gorm:"primarykey"`
	RoomID       string    `json:"roomId" gorm:"uniqueIndex;not null;size:36"`
	Name         string    `json:"name" gorm:"not null;size:100"`
	Description  string    `json:"description" gorm:"size:500"`
	OwnerID      uint      `json:"ownerId" gorm:"not null;index"`
	IsPublic     bool      `json:"isPublic" gorm:"default:true"`
	PasswordHash string    `json:"-"`
	MaxUsers     int       `json:"maxUsers" gorm:"default:10"`
	Language     string    `json:"language" gorm:"not null;default:'python';size:32"`
	LastCode     string    `json:"-" gorm:"type:text"`
	LastInput    string    `json:"-" gorm:"type:text"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"-"`
}

// RoomMember joins a user to a room with a role.
// Exactly one member per room carries RoleOwner.
type RoomMember struct {
	UserID   uint      `json:"userId" gorm:"primarykey"`
	RoomID   string    `json:"roomId" gorm:"primarykey;size:36"`
	Role     string    `json:"role" gorm:"not null;default:'member';size:16"`
	JoinedAt time.Time `json:"joinedAt" gorm:"autoCreateTime"`
}

// ExecutionLog is the durable audit record of one submission.
// Output fields are bounded by the sanitizer before they reach the store.
type ExecutionLog struct {
	ID           uint      `json:"-" gorm:"primarykey"`
	SubmissionID string    `json:"submissionId" gorm:"uniqueIndex;not null;size:36"`
	RoomID       string    `json:"roomId" gorm:"index;not null;size:36"`
	UserID       uint      `json:"userId" gorm:"index;not null"`
	Language     string    `json:"language" gorm:"not null;size:32"`
	Code         string    `json:"code" gorm:"type:text"`
	Status       string    `json:"status" gorm:"not null;default:'pending';size:24"`
	Stdout       string    `json:"stdout" gorm:"type:text"`
	Stderr       string    `json:"stderr" gorm:"type:text"`
	ExitCode     int       `json:"exitCode"`
	WallMillis   int64     `json:"wallMillis"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"-"`
}

// Submission is one user's request to run one source in one room.
// It is created by the gateway, carried through the queue as the job
// payload, and never mutated after enqueue.
type Submission struct {
	SubmissionID string    `json:"submissionId"`
	Language     string    `json:"language"`
	Code         string    `json:"code"`
	Stdin        string    `json:"stdin,omitempty"`
	RoomID       string    `json:"roomId"`
	UserID       uint      `json:"userId"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// ExecutionResult is the outcome envelope for a Submission. The Status
// field carries compile/runtime/timeout/memory outcomes; the envelope
// itself always "succeeds".
type ExecutionResult struct {
	SubmissionID    string `json:"submissionId"`
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	WallMillis      int64  `json:"wallMillis"`
	CompileMillis   int64  `json:"compileMillis,omitempty"`
	PeakMemoryBytes int64  `json:"peakMemoryBytes,omitempty"`
}

// Succeeded reports whether the program ran to completion with exit code 0
// and no resource trip.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == StatusSuccess && r.ExitCode == 0
}

// Terminal reports whether the status is a final outcome (anything but pending).
func (r *ExecutionResult) Terminal() bool {
	return r.Status != StatusPending && r.Status != ""
}
