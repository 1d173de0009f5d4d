package importexport

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/inventory"
)

// 已知厂商对应的清单分组，其它厂商归入 unknown
var vendorGroups = map[string]string{
	"cisco":  "cisco",
	"arista": "arista",
}

// ParseDevicesCSV 解析 host,vendor 两列 CSV (header 可选)，按厂商自动命名 {vendor}-sw-{NNN}
func ParseDevicesCSV(data []byte) ([]domain.Device, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	var out []domain.Device
	for i, cols := range rows {
		if len(cols) < 2 {
			continue
		}
		host := strings.TrimSpace(cols[0])
		vendor := strings.ToLower(strings.TrimSpace(cols[1]))
		if i == 0 && strings.EqualFold(host, "host") {
			continue
		}
		if host == "" || vendor == "" {
			continue
		}
		group, ok := vendorGroups[vendor]
		if !ok {
			group = "unknown"
		}
		counts[vendor]++
		out = append(out, domain.Device{Name: fmt.Sprintf("%s-sw-%03d", vendor, counts[vendor]), Host: host, Group: group})
	}
	return out, nil
}

// DefaultInventory 生成带默认凭据与分组的清单
func DefaultInventory(devs []domain.Device) *inventory.Inventory {
	return &inventory.Inventory{
		Defaults: inventory.Defaults{Username: "admin", Password: "admin"},
		Groups: map[string]inventory.Group{
			"unknown": {DeviceType: "unknown"},
			"cisco":   {DeviceType: "cisco_ios", EnableSecret: "admin"},
			"arista":  {DeviceType: "arista_eos"},
		},
		Devices: devs,
	}
}

// RenderInventoryYAML 输出 devices.yaml 内容
func RenderInventoryYAML(inv *inventory.Inventory) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(inv); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConvertCSVFile 读取 CSV 并写出清单文件，返回设备数
func ConvertCSVFile(csvPath, yamlPath string) (int, error) {
	data, err := os.ReadFile(csvPath)
	if err != nil {
		return 0, err
	}
	devs, err := ParseDevicesCSV(data)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", csvPath, err)
	}
	out, err := RenderInventoryYAML(DefaultInventory(devs))
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(yamlPath, out, 0o644); err != nil {
		return 0, err
	}
	return len(devs), nil
}

// RenderResultsCSV 输出结果 CSV 字符串 (含 header)，files 以 ; 分隔
func RenderResultsCSV(rs []domain.TaskResult) string {
	var b strings.Builder
	b.WriteString("device,host,status,files,output\n")
	for _, r := range rs {
		b.WriteString(strings.Join([]string{
			escapeCSV(r.Device), escapeCSV(r.Host), escapeCSV(string(r.Status)), escapeCSV(strings.Join(r.Files, ";")), escapeCSV(r.Output),
		}, ","))
		b.WriteString("\n")
	}
	return b.String()
}

func escapeCSV(s string) string {
	if strings.ContainsAny(s, ",\n\"") {
		return "\"" + strings.ReplaceAll(s, "\"", "\"\"") + "\""
	}
	return s
}
