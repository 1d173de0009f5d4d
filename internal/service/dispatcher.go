package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/QingMing-Bot/netpilot/internal/credentials"
	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/firmware"
	"github.com/QingMing-Bot/netpilot/internal/inventory"
	"github.com/QingMing-Bot/netpilot/internal/repository"
	"github.com/QingMing-Bot/netpilot/internal/results"
	"github.com/QingMing-Bot/netpilot/internal/vendor"
	"github.com/QingMing-Bot/netpilot/pkg/config"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrNoDevices   = errors.New("no valid devices in inventory")
	ErrTaskRunning = errors.New("task already running")
)

// Dispatcher 负责按任务类型批量派发设备工作并汇总结果
type Dispatcher struct {
	cfg     *config.Config
	tasks   *Tasks
	log     logrus.FieldLogger
	hWriter *HistoryWriter             // 可为 nil
	facts   repository.FactsRepoIface // 可为 nil

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[domain.TaskKind]string // 任务类型 -> 正在运行的 jobID
}

// Job 后台运行的一次任务
type Job struct {
	ID        string          `json:"id"`
	Task      domain.TaskKind `json:"task"`
	Running   bool            `json:"running"`
	Error     string          `json:"error,omitempty"`
	Summary   *domain.Summary `json:"summary,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	cancel    context.CancelFunc
}

func NewDispatcher(cfg *config.Config, tasks *Tasks, writer *HistoryWriter, facts repository.FactsRepoIface, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{cfg: cfg, tasks: tasks, log: log, hWriter: writer, facts: facts, jobs: map[string]*Job{}, running: map[domain.TaskKind]string{}}
}

// plan 加载清单与凭据，返回可派发的设备工作及被跳过的设备名
func (d *Dispatcher) plan(kind domain.TaskKind, log logrus.FieldLogger) ([]Unit, []string, error) {
	inv, err := inventory.Load(d.cfg.Paths.Devices)
	if err != nil {
		return nil, nil, err
	}
	creds, err := credentials.Load(d.cfg.Paths.Credentials)
	if err != nil {
		return nil, nil, err
	}
	devices := inventory.Validate(inv.Devices, log)
	if len(devices) == 0 {
		return nil, nil, ErrNoDevices
	}
	fallback := credentials.Entry{Username: inv.Defaults.Username, Password: inv.Defaults.Password}

	var units []Unit
	var skipped []string
	for _, dev := range devices {
		dlog := log.WithFields(logrus.Fields{"device": dev.Name, "host": dev.Host})
		dt, ok := inv.DeviceType(dev.Group)
		if !ok {
			dlog.Errorf("Unknown group '%s' for device %s", dev.Group, dev.Name)
			skipped = append(skipped, dev.Name)
			continue
		}
		u := Unit{Device: dev, DeviceType: dt}
		if kind == domain.TaskConfig {
			path, ok := d.cfg.CommandFile(string(kind), dt)
			if !ok {
				dlog.Errorf("No config commands file for device type %s", dt)
				skipped = append(skipped, dev.Name)
				continue
			}
			cmds, err := vendor.LoadCommands(path)
			if err != nil {
				dlog.WithError(err).Errorf("could not load config commands %s", path)
				skipped = append(skipped, dev.Name)
				continue
			}
			u.Commands = cmds
		}
		c := creds.Resolve(dev.Name, fallback, inv.EnableSecret(dev.Group))
		u.Target = domain.Target{
			Name: dev.Name, Host: dev.Host, Port: d.cfg.SSH.Port, DeviceType: dt,
			Username: c.Username, Password: c.Password, Secret: c.Secret,
		}
		units = append(units, u)
	}
	return units, skipped, nil
}

// Run 执行一次任务：每台设备一个 goroutine，并发数受 num_threads 限制；
// 结果按完成顺序收集并写入结果文件。设备级失败体现在 Summary.Failed 中，
// 只有配置错误与结果文件写入失败会返回 error。
func (d *Dispatcher) Run(ctx context.Context, kind domain.TaskKind) (domain.Summary, error) {
	sum := domain.Summary{Task: kind, RunID: time.Now().Format("20060102_150405.000"), StartedAt: time.Now()}
	fn, ok := d.tasks.Func(kind)
	if !ok {
		return sum, fmt.Errorf("%w: %q", ErrUnknownTask, kind)
	}
	log := d.log.WithFields(logrus.Fields{"task": kind, "run": sum.RunID})

	units, skipped, err := d.plan(kind, log)
	if err != nil {
		log.WithError(err).Error("task aborted")
		return sum, err
	}
	sum.Skipped = skipped
	if kind == domain.TaskFirmware && d.tasks.Firmware == nil {
		// 固件任务才需要 firmware.yaml；按次读取，不修改共享的 Tasks
		fw, err := firmware.Load(d.cfg.Paths.Firmware)
		if err != nil {
			log.WithError(err).Error("task aborted")
			return sum, err
		}
		t := *d.tasks
		t.Firmware = fw
		fn = t.FirmwareTask
	}
	log.WithField("devices", len(units)).Info("dispatching")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		rs  []domain.TaskResult
		sem = make(chan struct{}, max(1, d.cfg.ThreadPools.NumThreads))
	)
	add := func(r domain.TaskResult) {
		mu.Lock()
		rs = append(rs, r)
		mu.Unlock()
	}

submit:
	for i, u := range units {
		cancelled := ctx.Err() != nil
		if !cancelled {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				cancelled = true
			}
		}
		if cancelled {
			for _, rest := range units[i:] {
				sum.Skipped = append(sum.Skipped, rest.Device.Name)
			}
			log.WithField("not_started", len(units)-i).Warn("run cancelled")
			break submit
		}
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			r := d.runUnit(ctx, fn, u)
			add(r)
			d.record(sum.RunID, kind, r, start)
		}(u)
	}
	wg.Wait()

	sum.Results = rs
	for _, r := range rs {
		if !r.OK() {
			sum.Failed++
		}
	}
	sum.ResultFile = d.cfg.ResultFile(string(kind))
	sum.FinishedAt = time.Now()
	if err := results.Write(sum.ResultFile, rs, log); err != nil {
		log.WithError(err).Error("could not write result file")
		return sum, fmt.Errorf("write results: %w", err)
	}
	log.WithFields(logrus.Fields{"total": len(rs), "failed": sum.Failed, "skipped": len(sum.Skipped)}).Info("task finished")
	return sum, nil
}

// runUnit 把 panic 转为 FAILED 结果
func (d *Dispatcher) runUnit(ctx context.Context, fn TaskFunc, u Unit) (r domain.TaskResult) {
	defer func() {
		if p := recover(); p != nil {
			r = domain.Failed(u.Device, "internal error: %v", p)
			d.log.WithFields(logrus.Fields{"device": u.Device.Name, "host": u.Device.Host}).Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx, u)
}

func (d *Dispatcher) record(runID string, kind domain.TaskKind, r domain.TaskResult, start time.Time) {
	if r.Facts != nil && d.facts != nil {
		if err := d.facts.Upsert(*r.Facts); err != nil {
			d.log.WithError(err).WithField("device", r.Device).Warn("save device facts")
		}
	}
	if d.hWriter == nil {
		return
	}
	finish := time.Now()
	d.hWriter.Write(domain.TaskHistory{
		RunID: runID, Task: kind, Device: r.Device, Host: r.Host, Status: r.Status,
		Output: r.Output, Files: r.Files, StartedAt: start, FinishedAt: finish,
		DurationMs: finish.Sub(start).Milliseconds(),
	})
}

// StartJob 在后台运行任务，返回 jobID。同一任务类型同时只允许一个运行。
func (d *Dispatcher) StartJob(kind domain.TaskKind) (string, error) {
	if _, ok := d.tasks.Func(kind); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, kind)
	}
	d.mu.Lock()
	if id, busy := d.running[kind]; busy {
		d.mu.Unlock()
		return id, ErrTaskRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{ID: string(kind) + "-" + time.Now().Format("20060102_150405.000"), Task: kind, Running: true, StartedAt: time.Now(), cancel: cancel}
	d.jobs[job.ID] = job
	d.running[kind] = job.ID
	d.mu.Unlock()

	go func() {
		defer cancel()
		sum, err := d.Run(ctx, kind)
		d.mu.Lock()
		defer d.mu.Unlock()
		job.Running = false
		job.Summary = &sum
		if err != nil {
			job.Error = err.Error()
		}
		delete(d.running, kind)
	}()
	return job.ID, nil
}

// Job 返回 job 的快照
func (d *Dispatcher) Job(id string) (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// HasJob 判断 job 是否仍在运行
func (d *Dispatcher) HasJob(id string) bool {
	j, ok := d.Job(id)
	return ok && j.Running
}

// Cancel 取消指定 job
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	j, ok := d.jobs[id]
	if !ok || !j.Running {
		d.mu.Unlock()
		return false
	}
	cancel := j.cancel
	d.mu.Unlock()
	cancel()
	return true
}
