package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Roles        []string  `json:"roles,omitempty"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

type RefreshToken struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	TokenHash string     `json:"-" db:"token_hash"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

const (
	AssignmentDraft      = "draft"
	AssignmentPublishing = "publishing"
	AssignmentPublished  = "published"
)

type Assignment struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Title       string     `json:"title"`
	Subject     string     `json:"subject,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Questions   []Question `json:"questions,omitempty"`
}

const (
	QuestionOpenEnded      = "open_ended"
	QuestionMultipleChoice = "multiple_choice"
	QuestionShortAnswer    = "short_answer"
)

type Question struct {
	ID           uuid.UUID         `json:"id"`
	AssignmentID uuid.UUID         `json:"assignment_id"`
	Position     int               `json:"position"`
	Prompt       string            `json:"prompt"`
	Type         string            `json:"type"`
	Points       int               `json:"points"`
	Choices      []string          `json:"choices,omitempty"`
	Rubric       []RubricCriterion `json:"rubric,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type RubricCriterion struct {
	ID          uuid.UUID `json:"id"`
	QuestionID  uuid.UUID `json:"question_id"`
	Description string    `json:"description"`
	Points      int       `json:"points"`
}

type Attachment struct {
	ID               uuid.UUID `json:"id"`
	AssignmentID     uuid.UUID `json:"assignment_id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type,omitempty"`
	FileSize         int64     `json:"file_size,omitempty"`
	StorageKey       string    `json:"storage_key"`
	URL              string    `json:"url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
