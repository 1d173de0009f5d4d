package domain

import "time"

// TaskHistory 记录单台设备一次任务的执行结果
type TaskHistory struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Task       TaskKind  `json:"task"`
	Device     string    `json:"device"`
	Host       string    `json:"host"`
	Status     Status    `json:"status"`
	Output     string    `json:"output"`
	Files      []string  `json:"files,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}
