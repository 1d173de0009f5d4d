package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskKind 任务类型
type TaskKind string

const (
	TaskConfig    TaskKind = "config"
	TaskBackup    TaskKind = "backup"
	TaskInventory TaskKind = "inventory"
	TaskFirmware  TaskKind = "firmware"
)

// TaskKinds 按 CLI 展示顺序列出全部任务类型
var TaskKinds = []TaskKind{TaskConfig, TaskBackup, TaskInventory, TaskFirmware}

// ParseTaskKind 解析任务名 (大小写不敏感)
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range TaskKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unsupported task: %q", s)
}

// Status 单台设备的执行结果状态
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// TaskResult 一次任务在一台设备上的结果；创建后不可变
type TaskResult struct {
	Device string       `yaml:"device" json:"device"`
	Host   string       `yaml:"host" json:"host"`
	Status Status       `yaml:"status" json:"status"`
	Output string       `yaml:"output" json:"output"`
	Files  []string     `yaml:"files,omitempty" json:"files,omitempty"`
	Facts  *DeviceFacts `yaml:"facts,omitempty" json:"facts,omitempty"`
}

// OK 是否成功
func (r TaskResult) OK() bool { return r.Status == StatusSuccess }

// Failed 构造失败结果
func Failed(d Device, format string, args ...any) TaskResult {
	return TaskResult{Device: nameOr(d.Name), Host: nameOr(d.Host), Status: StatusFailed, Output: fmt.Sprintf(format, args...)}
}

func nameOr(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

// Summary 一次任务运行的汇总
type Summary struct {
	Task       TaskKind     `json:"task"`
	RunID      string       `json:"run_id"`
	Results    []TaskResult `json:"results"` // 完成顺序
	Failed     int          `json:"failed"`
	Skipped    []string     `json:"skipped,omitempty"` // 未派发的设备名
	ResultFile string       `json:"result_file"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// AnyFailed 是否存在失败设备
func (s Summary) AnyFailed() bool { return s.Failed > 0 }
