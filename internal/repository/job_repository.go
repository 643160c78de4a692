package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ragbot-go/internal/model"
)

// JobRepository 定义了持久化任务队列的操作接口。
// pending 行由 worker 以 lock-then-skip 方式批量认领，两个并发
// worker 不会认领到同一行。任务失败后不会自动重新入队，
// attempts 仅作参考，除非运维接口显式 Requeue。
type JobRepository interface {
	Enqueue(job *model.Job) error
	// ClaimPending 在一个事务内选出至多 limit 条 pending 任务并
	// 标记为 processing（attempts+1），这是租约的获取点。
	ClaimPending(ctx context.Context, limit int) ([]model.Job, error)
	MarkCompleted(id uint) error
	MarkFailed(id uint, errMsg string) error
	ListByStatus(status string, limit int) ([]model.Job, error)
	// Requeue 将一条 failed 任务重置为 pending（运维操作）。
	Requeue(id uint) error
	// PurgeByStatus 按状态批量删除任务（运维操作），返回删除数量。
	PurgeByStatus(status string) (int64, error)
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建一个新的 JobRepository 实例。
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Enqueue(job *model.Job) error {
	job.Status = model.JobStatusPending
	return r.db.Create(job).Error
}

// ClaimPending 的行级锁在 MySQL 上使用 FOR UPDATE SKIP LOCKED，
// 已被并发 worker 锁住的行直接跳过；不支持该语法的方言
// （如测试用的 sqlite，写事务本身串行）退化为普通事务内选择。
// 租约没有超时回收：worker 崩溃会让 processing 行永久滞留，
// 由运维 Requeue 处理（沿用原系统行为，见 DESIGN.md）。
func (r *jobRepository) ClaimPending(ctx context.Context, limit int) ([]model.Job, error) {
	var claimed []model.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", model.JobStatusPending).Order("created_at ASC, id ASC").Limit(limit)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var jobs []model.Job
		if err := q.Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		now := time.Now()
		if err := tx.Model(&model.Job{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":     model.JobStatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}).Error; err != nil {
			return err
		}

		for i := range jobs {
			jobs[i].Status = model.JobStatusProcessing
			jobs[i].Attempts++
		}
		claimed = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepository) MarkCompleted(id uint) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        model.JobStatusCompleted,
		"error_message": "",
	}).Error
}

func (r *jobRepository) MarkFailed(id uint, errMsg string) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        model.JobStatusFailed,
		"error_message": errMsg,
	}).Error
}

func (r *jobRepository) ListByStatus(status string, limit int) ([]model.Job, error) {
	q := r.db.Order("created_at DESC, id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []model.Job
	err := q.Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) Requeue(id uint) error {
	return r.db.Model(&model.Job{}).
		Where("id = ? AND status IN ?", id, []string{model.JobStatusFailed, model.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":        model.JobStatusPending,
			"error_message": "",
		}).Error
}

func (r *jobRepository) PurgeByStatus(status string) (int64, error) {
	res := r.db.Where("status = ?", status).Delete(&model.Job{})
	return res.RowsAffected, res.Error
}
