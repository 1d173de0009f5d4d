package firmware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/QingMing-Bot/netpilot/internal/ssh"
)

var ErrNotImplemented = errors.New("firmware upgrade not implemented")

// Procedure 升级单台设备；每一步写日志并记入 Steps，作为任务输出。
type Procedure struct {
	Settings    Settings
	ExpectedMD5 string
	Log         logrus.FieldLogger
	Now         func() time.Time // 主机时间，用于设置设备时钟
	CleanupWait time.Duration    // 删除旧镜像后等待闪存回收

	Steps []string
}

func (p *Procedure) step(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.Steps = append(p.Steps, msg)
	p.Log.Info(msg)
}

func (p *Procedure) Output() string { return strings.Join(p.Steps, "\n") }

// RunArista 在已进入特权模式的会话上执行 EOS 升级，任一步出错即终止。
func (p *Procedure) RunArista(ctx context.Context, sess ssh.Session) error {
	img := p.Settings.Firmware

	dir, err := sess.SendCommand(ctx, "dir flash:")
	if err != nil {
		return fmt.Errorf("dir flash: %w", err)
	}
	free := ParseFreeSpaceMB(dir)
	p.step("Free flash: %d MB", free)
	if free < img.MinFreeMB {
		for _, old := range ParseOldImages(dir, img.FileName) {
			if _, err := sess.SendCommand(ctx, "delete flash:"+old); err != nil {
				return fmt.Errorf("delete %s: %w", old, err)
			}
			p.step("Deleted old firmware: %s", old)
		}
		if p.CleanupWait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.CleanupWait):
			}
		}
		if dir, err = sess.SendCommand(ctx, "dir flash:"); err != nil {
			return fmt.Errorf("dir flash: %w", err)
		}
		free = ParseFreeSpaceMB(dir)
		if free < img.MinFreeMB {
			return fmt.Errorf("insufficient flash space after cleanup: %d MB free, need %d MB", free, img.MinFreeMB)
		}
		p.step("Free flash after cleanup: %d MB", free)
	}

	if HasImage(dir, img.FileName) {
		p.step("Firmware %s already on flash", img.FileName)
	} else {
		p.step("Transferring firmware %s to device", img.FileName)
		if err := sess.PutFile(ctx, img.FilePath, "flash:", img.FileName); err != nil {
			return fmt.Errorf("firmware file transfer failed: %w", err)
		}
		p.step("Firmware %s copied to switch", img.FileName)
	}

	out, err := sess.SendCommand(ctx, "verify /md5 flash:"+img.FileName)
	if err != nil {
		return fmt.Errorf("verify md5: %w", err)
	}
	if !strings.Contains(strings.ToLower(out), p.ExpectedMD5) {
		return fmt.Errorf("MD5 mismatch for %s on device", img.FileName)
	}
	p.step("MD5 hash verified on device")

	if _, err := sess.SendConfigSet(ctx, []string{"boot system flash:" + img.FileName}); err != nil {
		return fmt.Errorf("set boot system: %w", err)
	}
	if _, err := sess.SaveConfig(ctx); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	p.step("Boot system set and config saved")

	clock, err := p.deviceClock(ctx, sess)
	if err != nil {
		return err
	}
	at, err := ReloadTime(clock.Hour(), clock.Minute(), p.Settings.ReloadTimes)
	if err != nil {
		return err
	}
	if _, err := sess.SendCommand(ctx, "reload at "+at); err != nil {
		return fmt.Errorf("schedule reload: %w", err)
	}
	p.step("Reload scheduled at %s", at)
	return nil
}

// deviceClock 读取设备时间；无法解析时用本机时间设置一次再读
func (p *Procedure) deviceClock(ctx context.Context, sess ssh.Session) (time.Time, error) {
	out, err := sess.SendCommand(ctx, "show clock")
	if err != nil {
		return time.Time{}, fmt.Errorf("show clock: %w", err)
	}
	if t, ok := ParseClock(out); ok {
		return t, nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cmd := ClockSetCommand(now())
	if _, err := sess.SendConfigSet(ctx, []string{cmd}); err != nil {
		return time.Time{}, fmt.Errorf("set clock: %w", err)
	}
	p.step("Device clock unreadable, sent %q", cmd)
	if out, err = sess.SendCommand(ctx, "show clock"); err != nil {
		return time.Time{}, fmt.Errorf("show clock: %w", err)
	}
	t, ok := ParseClock(out)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot read device clock: %q", out)
	}
	return t, nil
}
