package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/QingMing-Bot/netpilot/internal/domain"
)

type HistoryRepo struct{ db *sql.DB }

func NewHistoryRepo(db *sql.DB) *HistoryRepo { return &HistoryRepo{db: db} }

// EnsureSchema 建表 (幂等)
func (r *HistoryRepo) EnsureSchema() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS task_history(
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        task TEXT NOT NULL,
        device TEXT NOT NULL,
        host TEXT,
        status TEXT NOT NULL,
        output TEXT,
        files TEXT,
        started_at TIMESTAMP,
        finished_at TIMESTAMP,
        duration_ms INTEGER
    );
    CREATE INDEX IF NOT EXISTS idx_task_history_run ON task_history(run_id);`)
	return err
}

func (r *HistoryRepo) Insert(h *domain.TaskHistory) error {
	now := time.Now()
	if h.StartedAt.IsZero() {
		h.StartedAt = now
	}
	if h.FinishedAt.IsZero() {
		h.FinishedAt = now
	}
	res, err := r.db.Exec(`INSERT INTO task_history(run_id,task,device,host,status,output,files,started_at,finished_at,duration_ms)
        VALUES (?,?,?,?,?,?,?,?,?,?)`, h.RunID, string(h.Task), h.Device, h.Host, string(h.Status), h.Output, strings.Join(h.Files, "\n"), h.StartedAt, h.FinishedAt, h.DurationMs)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	h.ID = id
	return nil
}

const historyCols = `id,run_id,task,device,COALESCE(host,''),status,COALESCE(output,''),COALESCE(files,''),started_at,finished_at,COALESCE(duration_ms,0)`

func (r *HistoryRepo) ListRecent(limit int) ([]domain.TaskHistory, error) {
	return r.ListFiltered(limit, "", "")
}

// ListFiltered 支持按设备名 (模糊匹配) 与任务类型过滤。传空表示忽略该条件。
func (r *HistoryRepo) ListFiltered(limit int, device, task string) ([]domain.TaskHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	where := ""
	args := []any{}
	if device != "" {
		where += " AND device LIKE ?"
		args = append(args, "%"+device+"%")
	}
	if task != "" {
		where += " AND task = ?"
		args = append(args, task)
	}
	args = append(args, limit)
	return r.query(`SELECT `+historyCols+` FROM task_history WHERE 1=1`+where+` ORDER BY id DESC LIMIT ?`, args...)
}

// ListRun 返回一次运行的全部记录 (写入顺序)
func (r *HistoryRepo) ListRun(runID string) ([]domain.TaskHistory, error) {
	return r.query(`SELECT `+historyCols+` FROM task_history WHERE run_id = ? ORDER BY id`, runID)
}

func (r *HistoryRepo) query(q string, args ...any) ([]domain.TaskHistory, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.TaskHistory
	for rows.Next() {
		var h domain.TaskHistory
		var task, status, files string
		if err := rows.Scan(&h.ID, &h.RunID, &task, &h.Device, &h.Host, &status, &h.Output, &files, &h.StartedAt, &h.FinishedAt, &h.DurationMs); err != nil {
			return nil, err
		}
		h.Task, h.Status = domain.TaskKind(task), domain.Status(status)
		if files != "" {
			h.Files = strings.Split(files, "\n")
		}
		list = append(list, h)
	}
	return list, rows.Err()
}

// Cleanup 根据保留天数与最大行数裁剪
func (r *HistoryRepo) Cleanup(retentionDays, maxRows int) error {
	if retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if _, err := r.db.Exec(`DELETE FROM task_history WHERE started_at < ?`, cutoff); err != nil {
			return fmt.Errorf("cleanup by age: %w", err)
		}
	}
	if maxRows > 0 {
		// 删除超过 maxRows 的最旧行
		if _, err := r.db.Exec(`DELETE FROM task_history WHERE id IN (SELECT id FROM task_history ORDER BY id DESC LIMIT -1 OFFSET ?)`, maxRows); err != nil {
			return fmt.Errorf("cleanup by rows: %w", err)
		}
	}
	return nil
}
