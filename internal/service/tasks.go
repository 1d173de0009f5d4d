package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/firmware"
	"github.com/QingMing-Bot/netpilot/internal/inventory"
	"github.com/QingMing-Bot/netpilot/internal/ssh"
	"github.com/QingMing-Bot/netpilot/internal/vendor"
	"github.com/QingMing-Bot/netpilot/pkg/config"
)

// Opener 抽象设备会话建立，便于替换真实 SSH / Mock
type Opener interface {
	Open(ctx context.Context, t domain.Target) (ssh.Session, error)
	Probe(ctx context.Context, host string, port int, timeout time.Duration) bool
}

// Unit 派发给单台设备的一份工作
type Unit struct {
	Device     domain.Device
	DeviceType string
	Target     domain.Target
	Commands   []string // 仅配置下发：调度阶段已加载的命令
}

// TaskFunc 在单台设备上执行任务；所有失败都以 FAILED 结果返回
type TaskFunc func(ctx context.Context, u Unit) domain.TaskResult

// Tasks 持有各任务执行所需的依赖
type Tasks struct {
	Opener   Opener
	Config   *config.Config
	Log      logrus.FieldLogger
	Firmware firmware.File
	Now      func() time.Time
	// 删除旧镜像后等待闪存回收的时间
	FlashSettle time.Duration

	// 可替换的设备交互步骤，默认为基于 Opener 的实现
	Push   func(ctx context.Context, u Unit) (string, error)
	Backup func(ctx context.Context, u Unit, commands []string) (files []string, output string, err error)
}

// NewTasks 使用默认设备交互步骤
func NewTasks(opener Opener, cfg *config.Config, fw firmware.File, log logrus.FieldLogger) *Tasks {
	return &Tasks{Opener: opener, Config: cfg, Log: log, Firmware: fw, FlashSettle: 3 * time.Second}
}

func (t *Tasks) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tasks) log(u Unit) logrus.FieldLogger {
	return t.Log.WithFields(logrus.Fields{"device": u.Device.Name, "host": u.Device.Host})
}

// Func 返回任务类型对应的执行函数
func (t *Tasks) Func(kind domain.TaskKind) (TaskFunc, bool) {
	switch kind {
	case domain.TaskConfig:
		return t.RunConfigTask, true
	case domain.TaskBackup:
		return t.BackupTask, true
	case domain.TaskInventory:
		return t.InventoryTask, true
	case domain.TaskFirmware:
		return t.FirmwareTask, true
	}
	return nil, false
}

func success(u Unit, output string) domain.TaskResult {
	return domain.TaskResult{Device: u.Device.Name, Host: u.Device.Host, Status: domain.StatusSuccess, Output: output}
}

func (t *Tasks) fail(u Unit, format string, args ...any) domain.TaskResult {
	r := domain.Failed(u.Device, format, args...)
	t.log(u).Error(r.Output)
	return r
}

// RunConfigTask 下发配置：校验 IP → 探测 22 端口 → enable → 配置模式下发 → 保存
func (t *Tasks) RunConfigTask(ctx context.Context, u Unit) domain.TaskResult {
	host := u.Device.Host
	if !inventory.ValidateIP(host) {
		return t.fail(u, "Invalid IP address: %s", host)
	}
	if !t.Opener.Probe(ctx, host, u.Target.Port, t.Config.SSH.ProbeTimeout) {
		return t.fail(u, "IP not reachable on port %d: %s", u.Target.Port, host)
	}
	push := t.Push
	if push == nil {
		push = t.pushConfig
	}
	out, err := push(ctx, u)
	if err != nil {
		return t.fail(u, "Config push failed: %v", err)
	}
	t.log(u).Info("config push SUCCESS")
	return success(u, out)
}

func (t *Tasks) pushConfig(ctx context.Context, u Unit) (string, error) {
	sess, err := t.Opener.Open(ctx, u.Target)
	if err != nil {
		return "", err
	}
	defer sess.Close()
	if err := sess.Enable(ctx); err != nil {
		return "", err
	}
	out, err := sess.SendConfigSet(ctx, u.Commands)
	if err != nil {
		return out, err
	}
	saved, err := sess.SaveConfig(ctx)
	if err != nil {
		return out, err
	}
	return out + "\n" + saved, nil
}

// commandsFor 读取任务对应的命令文件；不存在时返回 missing=true
func (t *Tasks) commandsFor(task domain.TaskKind, deviceType string) (cmds []string, missing bool, err error) {
	path, ok := t.Config.CommandFile(string(task), deviceType)
	if !ok {
		return nil, true, nil
	}
	cmds, err = vendor.LoadCommands(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, true, nil
	}
	return cmds, false, err
}

// BackupTask 逐条执行备份命令，每条命令的输出单独存为一个文件
func (t *Tasks) BackupTask(ctx context.Context, u Unit) domain.TaskResult {
	if !inventory.ValidateIP(u.Device.Host) {
		return t.fail(u, "Invalid IP address: %s", u.Device.Host)
	}
	cmds, missing, err := t.commandsFor(domain.TaskBackup, u.DeviceType)
	if missing {
		return t.fail(u, "No backup commands file for device type %s", u.DeviceType)
	}
	if err != nil {
		return t.fail(u, "Backup commands unreadable: %v", err)
	}
	backup := t.Backup
	if backup == nil {
		backup = t.backupDevice
	}
	files, out, err := backup(ctx, u, cmds)
	if err != nil {
		return t.fail(u, "Backup failed: %v", err)
	}
	t.log(u).WithField("files", len(files)).Info("backup SUCCESS")
	r := success(u, out)
	r.Files = files
	return r
}

// BackupFileName 生成备份文件名：{device}_{command}_{YYYYmmdd_HHMMSS}.txt，命令中的空格与 / 替换为 _
func BackupFileName(device, cmd string, ts time.Time) string {
	part := strings.NewReplacer(" ", "_", "/", "_").Replace(cmd)
	return fmt.Sprintf("%s_%s_%s.txt", device, part, ts.Format("20060102_150405"))
}

func (t *Tasks) backupDevice(ctx context.Context, u Unit, cmds []string) ([]string, string, error) {
	dir := t.Config.BackupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	sess, err := t.Opener.Open(ctx, u.Target)
	if err != nil {
		return nil, "", err
	}
	defer sess.Close()
	if err := sess.Enable(ctx); err != nil {
		return nil, "", err
	}
	ts := t.now()
	var files []string
	var all strings.Builder
	for _, cmd := range cmds {
		out, err := sess.SendCommand(ctx, cmd)
		if err != nil {
			return files, strings.TrimSpace(all.String()), fmt.Errorf("%s: %w", cmd, err)
		}
		path := filepath.Join(dir, BackupFileName(u.Device.Name, cmd, ts))
		if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
			return files, strings.TrimSpace(all.String()), err
		}
		files = append(files, path)
		fmt.Fprintf(&all, "\n> %s\n%s", cmd, out)
	}
	return files, strings.TrimSpace(all.String()), nil
}

// InventoryTask 执行巡检命令，拼接输出并尽力解析型号与光模块数量
func (t *Tasks) InventoryTask(ctx context.Context, u Unit) domain.TaskResult {
	if !inventory.ValidateIP(u.Device.Host) {
		return t.fail(u, "Invalid IP address: %s", u.Device.Host)
	}
	cmds, missing, err := t.commandsFor(domain.TaskInventory, u.DeviceType)
	if missing {
		return t.fail(u, "No inventory commands file for device type %s", u.DeviceType)
	}
	if err != nil {
		return t.fail(u, "Inventory commands unreadable: %v", err)
	}
	sess, err := t.Opener.Open(ctx, u.Target)
	if err != nil {
		return t.fail(u, "Inventory collection failed: %v", err)
	}
	defer sess.Close()
	if err := sess.Enable(ctx); err != nil {
		return t.fail(u, "Inventory collection failed: %v", err)
	}
	var all strings.Builder
	for _, cmd := range cmds {
		out, err := sess.SendCommand(ctx, cmd)
		if err != nil {
			return t.fail(u, "Inventory collection failed: %s: %v", cmd, err)
		}
		fmt.Fprintf(&all, "\n\n> %s\n%s", cmd, out)
	}
	r := success(u, strings.TrimSpace(all.String()))
	if p, ok := vendor.ParserFor(u.DeviceType); ok {
		facts := p.Parse(r.Output)
		facts.Device, facts.Host, facts.UpdatedAt = u.Device.Name, u.Device.Host, t.now()
		r.Facts = &facts
	}
	t.log(u).Info("inventory SUCCESS")
	return r
}

// FirmwareTask 固件升级；目前只有 Arista 有升级流程
func (t *Tasks) FirmwareTask(ctx context.Context, u Unit) domain.TaskResult {
	if !inventory.ValidateIP(u.Device.Host) {
		return t.fail(u, "Invalid IP address: %s", u.Device.Host)
	}
	settings, err := t.Firmware.For(u.DeviceType)
	if err != nil {
		return t.fail(u, "%v", err)
	}
	if u.DeviceType != "arista_eos" {
		return t.fail(u, "%v for %s", firmware.ErrNotImplemented, u.DeviceType)
	}
	md5, err := firmware.VerifyLocal(settings.Firmware)
	if err != nil {
		return t.fail(u, "%v", err)
	}
	p := &firmware.Procedure{Settings: settings, ExpectedMD5: md5, Log: t.log(u), Now: t.now, CleanupWait: t.FlashSettle}
	sess, err := t.Opener.Open(ctx, u.Target)
	if err != nil {
		return t.fail(u, "Firmware upgrade failed: %v", err)
	}
	defer sess.Close()
	if err := sess.Enable(ctx); err != nil {
		return t.fail(u, "Firmware upgrade failed: %v", err)
	}
	if err := p.RunArista(ctx, sess); err != nil {
		r := domain.Failed(u.Device, "%s", strings.TrimSpace(p.Output()+"\nFirmware upgrade failed: "+err.Error()))
		t.log(u).WithError(err).Error("firmware upgrade FAILED")
		return r
	}
	t.log(u).Info("firmware upgrade SUCCESS")
	return success(u, p.Output())
}
