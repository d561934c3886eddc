package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskflow/internal/models"
)

// ErrNotFound covers both absent tasks and tasks owned by someone else, so a
// caller probing foreign ids learns nothing.
var ErrNotFound = errors.New("task not found")

// ValidationError reports bad task input. It is deterministic and safe to
// show to the caller (or feed back to the model as a tool result).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Service owns task records. Every operation takes the authenticated owner id
// and scopes all SQL by it.
type Service struct {
	db *sql.DB
}

// NewService builds a task service on the shared database handle.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// List returns all tasks for the owner, newest first. An owner with no tasks
// gets an empty slice, not an error.
func (s *Service) List(ctx context.Context, ownerID int64) ([]models.Task, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, completed, created_at, updated_at
		 FROM tasks WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Create validates and inserts a new task for the owner.
func (s *Service) Create(ctx context.Context, ownerID int64, title, description string) (*models.Task, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner id is required")
	}
	title = strings.TrimSpace(title)
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	if err := validateDescription(description); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (user_id, title, description, completed, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		ownerID, title, description, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	return &models.Task{
		ID:          id,
		UserID:      ownerID,
		Title:       title,
		Description: description,
		Completed:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get returns the task when it exists and belongs to the owner.
func (s *Service) Get(ctx context.Context, ownerID, taskID int64) (*models.Task, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner id is required")
	}
	if taskID <= 0 {
		return nil, ErrNotFound
	}
	var t models.Task
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, completed, created_at, updated_at
		 FROM tasks WHERE id = ? AND user_id = ?`,
		taskID, ownerID,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// Update applies a partial update. At least one field must be supplied.
func (s *Service) Update(ctx context.Context, ownerID, taskID int64, title, description *string) (*models.Task, error) {
	if title == nil && description == nil {
		return nil, validationErrorf("at least one of title or description must be supplied")
	}
	task, err := s.Get(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if err := validateTitle(trimmed); err != nil {
			return nil, err
		}
		task.Title = trimmed
	}
	if description != nil {
		trimmed := strings.TrimSpace(*description)
		if err := validateDescription(trimmed); err != nil {
			return nil, err
		}
		task.Description = trimmed
	}

	task.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		task.Title, task.Description, task.UpdatedAt, taskID, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

// Delete permanently removes the task.
func (s *Service) Delete(ctx context.Context, ownerID, taskID int64) error {
	if ownerID <= 0 {
		return errors.New("owner id is required")
	}
	if taskID <= 0 {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleComplete flips the completion flag and returns the updated task.
func (s *Service) ToggleComplete(ctx context.Context, ownerID, taskID int64) (*models.Task, error) {
	task, err := s.Get(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	task.Completed = !task.Completed
	task.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		task.Completed, task.UpdatedAt, taskID, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("toggle task: %w", err)
	}
	return task, nil
}

func validateTitle(title string) error {
	if title == "" {
		return validationErrorf("title is required")
	}
	if len(title) > models.MaxTaskTitleLength {
		return validationErrorf("title exceeds %d characters", models.MaxTaskTitleLength)
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > models.MaxTaskDescriptionLength {
		return validationErrorf("description exceeds %d characters", models.MaxTaskDescriptionLength)
	}
	return nil
}
