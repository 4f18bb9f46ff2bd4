package repository

import (
	"context"
	"time"

	"loanpipe/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Uniqueness controls how Upsert treats an existing active task for the same key.
type Uniqueness int

const (
	// UniqueKeep leaves the existing active task untouched.
	UniqueKeep Uniqueness = iota
	// UniqueReplace resets the existing active task to run now with the new payload.
	UniqueReplace
	// UniqueAppend queues another run after the in-flight one completes.
	UniqueAppend
)

// TaskRepository persists scheduler tasks. Rows survive restarts; leasing
// gives the worker pool per-key exclusivity.
type TaskRepository interface {
	Upsert(ctx context.Context, task *model.ScheduledTask, uniqueness Uniqueness) error
	LeaseDue(ctx context.Context, now time.Time, limit int, online bool, leaseFor time.Duration) ([]model.ScheduledTask, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time, attempts int, lastError string) error
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByKey(ctx context.Context, key string) error
}

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a new instance of TaskRepository
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Upsert(ctx context.Context, task *model.ScheduledTask, uniqueness Uniqueness) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	return GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		var existing model.ScheduledTask
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key = ? AND status IN ?", task.Key, []model.TaskStatus{model.TaskQueued, model.TaskLeased}).
			Order("created_at ASC").
			First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			task.Status = model.TaskQueued
			return tx.Create(task).Error
		case err != nil:
			return err
		}

		switch uniqueness {
		case UniqueKeep:
			return nil
		case UniqueReplace:
			if existing.Status == model.TaskLeased {
				// In-flight run keeps its lease; queue the replacement behind it.
				task.Status = model.TaskQueued
				return tx.Create(task).Error
			}
			return tx.Model(&existing).Updates(map[string]any{
				"payload":          task.Payload,
				"kind":             task.Kind,
				"attempts":         0,
				"next_run_at":      task.NextRunAt,
				"requires_network": task.RequiresNetwork,
				"backoff_base":     task.BackoffBase,
				"last_error":       "",
			}).Error
		case UniqueAppend:
			task.Status = model.TaskQueued
			return tx.Create(task).Error
		}
		return nil
	})
}

// LeaseDue atomically claims due tasks for execution. Keys with a live lease
// are skipped, which is what prevents two workers from interleaving runs for
// the same submission.
func (r *taskRepository) LeaseDue(ctx context.Context, now time.Time, limit int, online bool, leaseFor time.Duration) ([]model.ScheduledTask, error) {
	var leased []model.ScheduledTask
	err := GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_run_at <= ?", model.TaskQueued, now).
			Where("key NOT IN (?)", tx.Session(&gorm.Session{NewDB: true}).
				Model(&model.ScheduledTask{}).
				Select("key").
				Where("status = ? AND lease_expires_at > ?", model.TaskLeased, now))
		if !online {
			query = query.Where("requires_network = ?", false)
		}

		var due []model.ScheduledTask
		if err := query.Order("next_run_at ASC").Limit(limit).Find(&due).Error; err != nil {
			return err
		}

		expires := now.Add(leaseFor)
		seen := make(map[string]bool, len(due))
		for i := range due {
			// One lease per key per sweep.
			if seen[due[i].Key] {
				continue
			}
			seen[due[i].Key] = true
			if err := tx.Model(&due[i]).Updates(map[string]any{
				"status":           model.TaskLeased,
				"lease_expires_at": expires,
			}).Error; err != nil {
				return err
			}
			due[i].Status = model.TaskLeased
			due[i].LeaseExpiresAt = &expires
			leased = append(leased, due[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (r *taskRepository) Complete(ctx context.Context, id uuid.UUID) error {
	return GetDB(ctx, r.db).Model(&model.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           model.TaskSucceeded,
			"lease_expires_at": nil,
			"last_error":       "",
		}).Error
}

func (r *taskRepository) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	return GetDB(ctx, r.db).Model(&model.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           model.TaskFailed,
			"lease_expires_at": nil,
			"last_error":       lastError,
		}).Error
}

func (r *taskRepository) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, attempts int, lastError string) error {
	return GetDB(ctx, r.db).Model(&model.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           model.TaskQueued,
			"next_run_at":      at,
			"attempts":         attempts,
			"lease_expires_at": nil,
			"last_error":       lastError,
		}).Error
}

// ReapExpired requeues tasks whose worker died holding the lease.
func (r *taskRepository) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res := GetDB(ctx, r.db).Model(&model.ScheduledTask{}).
		Where("status = ? AND lease_expires_at <= ?", model.TaskLeased, now).
		Updates(map[string]any{
			"status":           model.TaskQueued,
			"lease_expires_at": nil,
		})
	return res.RowsAffected, res.Error
}

// DeleteByKey drops every active task for a key, used when a submission is
// cancelled.
func (r *taskRepository) DeleteByKey(ctx context.Context, key string) error {
	return GetDB(ctx, r.db).
		Where("key = ? AND status IN ?", key, []model.TaskStatus{model.TaskQueued, model.TaskLeased}).
		Delete(&model.ScheduledTask{}).Error
}
