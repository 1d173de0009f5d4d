// Package inventory 读取设备清单并过滤无法自动化的条目。
package inventory

import (
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/vendor"
	"github.com/QingMing-Bot/netpilot/pkg/config"
)

// Inventory 对应 devices.yaml
type Inventory struct {
	Defaults Defaults         `yaml:"defaults"`
	Groups   map[string]Group `yaml:"groups"`
	Devices  []domain.Device  `yaml:"devices"`
}

// Defaults 兜底登录凭据
type Defaults struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Group struct {
	DeviceType   string `yaml:"device_type"`
	EnableSecret string `yaml:"enable_secret,omitempty"`
}

// Load 读取清单文件；文件缺失或 YAML 错误返回 *config.ConfigFileError。
func Load(path string) (*Inventory, error) {
	inv := &Inventory{}
	if err := config.LoadYAML(path, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// DeviceType 解析分组对应的 device_type。清单中声明的分组优先于内置表；
// 没有厂商 profile 的类型视为未解析。
func (inv *Inventory) DeviceType(group string) (string, bool) {
	dt := ""
	if g, ok := inv.Groups[group]; ok && g.DeviceType != "" {
		dt = g.DeviceType
	} else {
		dt = vendor.GroupToDeviceType[group]
	}
	if dt == "" || !vendor.Supported(dt) {
		return "", false
	}
	return dt, true
}

// EnableSecret 分组的 enable 密码，可能为空
func (inv *Inventory) EnableSecret(group string) string {
	return inv.Groups[group].EnableSecret
}

// ValidateIP 判断 s 是否为 IPv4/IPv6 地址
func ValidateIP(s string) bool {
	if s == "" || strings.Contains(s, ",") {
		return false
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// Validate 丢弃缺字段、host 含逗号或 IP 非法的条目并逐条记录日志，其余保持原顺序。
func Validate(devices []domain.Device, log logrus.FieldLogger) []domain.Device {
	valid := make([]domain.Device, 0, len(devices))
	seen := make(map[string]bool, len(devices))
	for i, d := range devices {
		d.Name, d.Host, d.Group = strings.TrimSpace(d.Name), strings.TrimSpace(d.Host), strings.TrimSpace(d.Group)
		entry := log.WithFields(logrus.Fields{"index": i, "device": d.Name, "host": d.Host})
		switch {
		case d.Name == "" || d.Host == "" || d.Group == "":
			entry.Error("device entry missing required field (name, host, group), skipped")
			continue
		case strings.Contains(d.Host, ","):
			entry.Error("host contains a comma (use dots), skipped")
			continue
		case !ValidateIP(d.Host):
			entry.Errorf("invalid IP address %q, skipped", d.Host)
			continue
		case seen[d.Name]:
			entry.Error("duplicate device name, skipped")
			continue
		}
		seen[d.Name] = true
		valid = append(valid, d)
	}
	return valid
}
