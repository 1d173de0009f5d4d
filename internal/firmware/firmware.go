// Package firmware 固件配置文件与升级流程中不依赖设备的部分：
// 镜像校验、flash 目录解析、时钟解析与重启时段选择。
package firmware

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/QingMing-Bot/netpilot/pkg/config"
)

const (
	DefaultMinFreeMB = 800
	DefaultBefore    = "12:30"
	DefaultAfter     = "20:30"
)

// Image 本地目标镜像
type Image struct {
	FilePath   string `yaml:"file_path"`
	FileName   string `yaml:"file_name"`
	MD5SumPath string `yaml:"md5sum_path"`
	MinFreeMB  int    `yaml:"min_free_mb"`
}

// ReloadTimes 两个 "HH:MM" 重启时段
type ReloadTimes struct {
	Before string `yaml:"before"`
	After  string `yaml:"after"`
}

// Settings firmware.yaml 中一个 device_type 段
type Settings struct {
	Firmware    Image       `yaml:"firmware"`
	ReloadTimes ReloadTimes `yaml:"reload_times"`
}

// File 对应 firmware.yaml，按 device_type 索引
type File map[string]Settings

func Load(path string) (File, error) {
	f := File{}
	if err := config.LoadYAML(path, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// For 返回 device_type 的配置并补全默认值
func (f File) For(deviceType string) (Settings, error) {
	s, ok := f[deviceType]
	if !ok {
		return Settings{}, fmt.Errorf("Firmware config for device_type '%s' is missing in firmware.yaml", deviceType)
	}
	if s.Firmware.MinFreeMB <= 0 {
		s.Firmware.MinFreeMB = DefaultMinFreeMB
	}
	if s.ReloadTimes.Before == "" {
		s.ReloadTimes.Before = DefaultBefore
	}
	if s.ReloadTimes.After == "" {
		s.ReloadTimes.After = DefaultAfter
	}
	return s, nil
}

func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadMD5File 读取校验值，支持纯哈希或 md5sum 的 "hash  name" 格式
func ReadMD5File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file %s", path)
	}
	return strings.ToLower(fields[0]), nil
}

// VerifyLocal 校验本地镜像并返回 MD5，不访问设备。
func VerifyLocal(img Image) (string, error) {
	if _, err := os.Stat(img.FilePath); err != nil {
		return "", fmt.Errorf("Firmware or hash file missing: %s / %s", img.FilePath, img.MD5SumPath)
	}
	expected, err := ReadMD5File(img.MD5SumPath)
	if err != nil {
		return "", fmt.Errorf("Firmware or hash file missing: %s / %s", img.FilePath, img.MD5SumPath)
	}
	actual, err := FileMD5(img.FilePath)
	if err != nil {
		return "", err
	}
	if actual != expected {
		return "", fmt.Errorf("Local firmware MD5 mismatch! Expected: %s Got: %s", expected, actual)
	}
	return expected, nil
}

var bytesFree = regexp.MustCompile(`(\d+)\s+bytes free`)

// ParseFreeSpaceMB 取 `dir flash:` 输出中的 "bytes free"；无法解析按 0 处理
func ParseFreeSpaceMB(out string) int {
	m := bytesFree.FindStringSubmatch(out)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return int(n / (1024 * 1024))
}

// ParseOldImages 列出除 keep 外的 .bin 文件
func ParseOldImages(out, keep string) []string {
	var old []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, ".bin") || strings.Contains(line, keep) {
			continue
		}
		fields := strings.Fields(line)
		old = append(old, fields[len(fields)-1])
	}
	return old
}

func HasImage(out, name string) bool {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[len(fields)-1] == name {
			return true
		}
	}
	return false
}

const clockLayout = "Jan 2 15:04:05 2006"

// ParseClock 在 show clock 输出中查找以 "Mon DD HH:MM:SS YYYY" 结尾的行
func ParseClock(out string) (time.Time, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		t, err := time.Parse(clockLayout, strings.Join(fields[len(fields)-4:], " "))
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func ClockSetCommand(t time.Time) string {
	return "clock set " + t.Format("15:04:05 02 Jan 2006")
}

// ReloadTime 设备时间早于 Before 选 Before，否则选 After
func ReloadTime(hour, minute int, rt ReloadTimes) (string, error) {
	before, err := minutes(rt.Before)
	if err != nil {
		return "", err
	}
	if _, err := minutes(rt.After); err != nil {
		return "", err
	}
	if hour*60+minute < before {
		return rt.Before, nil
	}
	return rt.After, nil
}

func minutes(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid reload time %q", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}
