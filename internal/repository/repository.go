package repository

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/avoronova/coursecraft/internal/common"
	"github.com/avoronova/coursecraft/internal/database"
	"github.com/avoronova/coursecraft/internal/models"
)

type Repository struct {
	db *database.DB
}

func New(db *database.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *database.DB {
	return r.db
}

func (r *Repository) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AssignmentDraft
	}

	query := `
		INSERT INTO assignments (id, owner_id, title, subject, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`
	_, err := r.db.Pool().Exec(ctx, query, a.ID, a.OwnerID, a.Title, a.Subject, a.Description, a.Status)
	return err
}

func (r *Repository) GetAssignmentByID(ctx context.Context, id uuid.UUID) (*models.Assignment, error) {
	query := `
		SELECT id, owner_id, title, subject, description, status, created_at, updated_at
		FROM assignments
		WHERE id = $1
	`

	var a models.Assignment
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&a.ID, &a.OwnerID, &a.Title, &a.Subject, &a.Description, &a.Status,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}

	questions, err := r.GetQuestionsByAssignmentID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get questions: %w", err)
	}
	a.Questions = questions

	return &a, nil
}

func (r *Repository) GetAssignmentsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]models.Assignment, error) {
	query := `
		SELECT id, owner_id, title, subject, description, status, created_at, updated_at
		FROM assignments
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(
			&a.ID, &a.OwnerID, &a.Title, &a.Subject, &a.Description, &a.Status,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (r *Repository) UpdateAssignment(ctx context.Context, a *models.Assignment) error {
	query := `
		UPDATE assignments
		SET title = $2, subject = $3, description = $4, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Pool().Exec(ctx, query, a.ID, a.Title, a.Subject, a.Description)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrAssignmentNotFound
	}
	return nil
}

func (r *Repository) SetAssignmentStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE assignments SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Pool().Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrAssignmentNotFound
	}
	return nil
}

func (r *Repository) GetQuestionsByAssignmentID(ctx context.Context, assignmentID uuid.UUID) ([]models.Question, error) {
	query := `
		SELECT id, assignment_id, position, prompt, type, points, choices, created_at, updated_at
		FROM questions
		WHERE assignment_id = $1
		ORDER BY position
	`

	rows, err := r.db.Pool().Query(ctx, query, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		var q models.Question
		if err := rows.Scan(
			&q.ID, &q.AssignmentID, &q.Position, &q.Prompt, &q.Type, &q.Points,
			&q.Choices, &q.CreatedAt, &q.UpdatedAt,
		); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range questions {
		rubric, err := r.getRubric(ctx, questions[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get rubric: %w", err)
		}
		questions[i].Rubric = rubric
	}
	return questions, nil
}

func (r *Repository) getRubric(ctx context.Context, questionID uuid.UUID) ([]models.RubricCriterion, error) {
	query := `
		SELECT id, question_id, description, points
		FROM rubric_criteria
		WHERE question_id = $1
		ORDER BY points DESC, description
	`

	rows, err := r.db.Pool().Query(ctx, query, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rubric []models.RubricCriterion
	for rows.Next() {
		var c models.RubricCriterion
		if err := rows.Scan(&c.ID, &c.QuestionID, &c.Description, &c.Points); err != nil {
			return nil, err
		}
		rubric = append(rubric, c)
	}
	return rubric, rows.Err()
}

// ReplaceQuestions swaps the assignment's question list for the generated
// one in a single transaction, so readers never see a half-written list.
func (r *Repository) ReplaceQuestions(ctx context.Context, assignmentID uuid.UUID, questions []models.Question) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM rubric_criteria
			WHERE question_id IN (SELECT id FROM questions WHERE assignment_id = $1)
		`, assignmentID); err != nil {
			return fmt.Errorf("failed to delete rubric criteria: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE assignment_id = $1`, assignmentID); err != nil {
			return fmt.Errorf("failed to delete questions: %w", err)
		}

		for _, q := range questions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO questions (id, assignment_id, position, prompt, type, points, choices, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
			`, q.ID, assignmentID, q.Position, q.Prompt, q.Type, q.Points, q.Choices); err != nil {
				return fmt.Errorf("failed to insert question: %w", err)
			}
			for _, c := range q.Rubric {
				if _, err := tx.Exec(ctx, `
					INSERT INTO rubric_criteria (id, question_id, description, points)
					VALUES ($1, $2, $3, $4)
				`, c.ID, q.ID, c.Description, c.Points); err != nil {
					return fmt.Errorf("failed to insert rubric criterion: %w", err)
				}
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE assignments SET updated_at = NOW() WHERE id = $1`, assignmentID); err != nil {
			return fmt.Errorf("failed to touch assignment: %w", err)
		}
		return nil
	})
}

func (r *Repository) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	if att.ID == uuid.Nil {
		att.ID = uuid.New()
	}

	query := `
		INSERT INTO attachments (id, assignment_id, original_filename, content_type, file_size, storage_key, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := r.db.Pool().Exec(ctx, query,
		att.ID, att.AssignmentID, att.OriginalFilename, att.ContentType,
		att.FileSize, att.StorageKey, att.URL,
	)
	return err
}

func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if len(user.Roles) == 0 {
		user.Roles = []string{"author"}
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`
	_, err := r.db.Pool().Exec(ctx, query, user.ID, user.Username, user.Email, user.PasswordHash, user.Roles)
	return err
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getUser(ctx, `WHERE email = $1`, email)
}

func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

func (r *Repository) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	query := `
		SELECT id, username, email, password_hash, roles, created_at, updated_at
		FROM users ` + where

	var u models.User
	err := r.db.Pool().QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Roles,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	_, err := r.db.Pool().Exec(ctx, query, token.ID, token.UserID, token.TokenHash, token.ExpiresAt)
	return err
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	query := `UPDATE refresh_tokens SET revoked_at = NOW() WHERE token_hash = $1 AND revoked_at IS NULL`
	_, err := r.db.Pool().Exec(ctx, query, tokenHash)
	return err
}

func (r *Repository) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (r *Repository) CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (r *Repository) HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}
