package config

// 统一配置加载：先读 YAML 配置文件 (缺失时使用默认值)，再由环境变量覆盖。
// 设备清单、凭据、固件等 YAML 文件也通过 LoadYAML 读取，错误统一为 ConfigFileError。

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 保存运行时关键参数。
type Config struct {
	ThreadPools ThreadPools `yaml:"thread_pools"`
	Paths       Paths       `yaml:"paths"`
	SSH         SSH         `yaml:"ssh"`
	Commands    Commands    `yaml:"commands"`
	Logging     Logging     `yaml:"logging"`
	History     History     `yaml:"history"`
}

// ThreadPools 并发设置
type ThreadPools struct {
	NumThreads int `yaml:"num_threads"` // 同时进行的 SSH 会话上限
}

// Paths 输入输出文件位置
type Paths struct {
	Devices     string `yaml:"devices"`
	Credentials string `yaml:"credentials"`
	Firmware    string `yaml:"firmware"`
	OutputDir   string `yaml:"output_dir"`
	LogDir      string `yaml:"log_dir"`
	DataDir     string `yaml:"data_dir"`
}

// SSH 连接参数
type SSH struct {
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// Commands 每种任务按 device_type 对应的命令文件
type Commands struct {
	Config    map[string]string `yaml:"config"`
	Backup    map[string]string `yaml:"backup"`
	Inventory map[string]string `yaml:"inventory"`
}

// Logging 日志设置
type Logging struct {
	Level string `yaml:"level"`
}

// History 执行历史保留策略
type History struct {
	RetentionDays int `yaml:"retention_days"`
	MaxRows       int `yaml:"max_rows"`
	FlushInterval int `yaml:"flush_interval"` // 秒
	BatchSize     int `yaml:"batch_size"`
}

// ConfigFileError YAML 文件缺失或语法错误；对整次运行是致命的。
type ConfigFileError struct {
	Path  string
	Parse bool // true 表示语法/结构错误，false 表示读取失败
	Err   error
}

func (e *ConfigFileError) Error() string {
	if e.Parse {
		return fmt.Sprintf("YAML syntax error in %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("could not open YAML file %s: %v", e.Path, e.Err)
}

func (e *ConfigFileError) Unwrap() error { return e.Err }

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		ThreadPools: ThreadPools{NumThreads: 5},
		Paths: Paths{
			Devices:     "config/devices.yaml",
			Credentials: "config/credentials.yaml",
			Firmware:    "config/firmware.yaml",
			OutputDir:   "output",
			LogDir:      "logs",
			DataDir:     "data",
		},
		SSH: SSH{
			Port:           22,
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 30 * time.Second,
			ProbeTimeout:   2 * time.Second,
		},
		Commands: Commands{
			Config: map[string]string{
				"arista_eos": "config/commands/arista_config_commands.cfg",
				"cisco_ios":  "config/commands/cisco_config_commands.cfg",
			},
			Backup: map[string]string{
				"arista_eos": "config/commands/arista_backup_commands.cfg",
				"cisco_ios":  "config/commands/cisco_backup_commands.cfg",
			},
			Inventory: map[string]string{
				"arista_eos": "config/commands/arista_inventory_commands.cfg",
				"cisco_ios":  "config/commands/cisco_inventory_commands.cfg",
			},
		},
		Logging: Logging{Level: "info"},
		History: History{RetentionDays: 30, MaxRows: 10000, FlushInterval: 2, BatchSize: 20},
	}
}

// Load 读取配置文件。path 为空时只用默认值；文件缺失或语法错误返回 *ConfigFileError。
// 环境变量：
//
//	NETPILOT_NUM_THREADS  并发数 (默认 5)
//	NETPILOT_DEVICES      设备清单路径
//	NETPILOT_CREDENTIALS  凭据文件路径
//	NETPILOT_FIRMWARE     固件配置路径
//	NETPILOT_OUTPUT_DIR   结果目录 (默认 output)
//	NETPILOT_LOG_DIR      日志目录 (默认 logs)
//	NETPILOT_DATA_DIR     数据目录 (默认 data)
//	NETPILOT_LOG_LEVEL    日志级别 (默认 info)
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := LoadYAML(path, c); err != nil {
			return nil, err
		}
	}
	c.ThreadPools.NumThreads = envInt("NETPILOT_NUM_THREADS", c.ThreadPools.NumThreads)
	c.Paths.Devices = envOr("NETPILOT_DEVICES", c.Paths.Devices)
	c.Paths.Credentials = envOr("NETPILOT_CREDENTIALS", c.Paths.Credentials)
	c.Paths.Firmware = envOr("NETPILOT_FIRMWARE", c.Paths.Firmware)
	c.Paths.OutputDir = envOr("NETPILOT_OUTPUT_DIR", c.Paths.OutputDir)
	c.Paths.LogDir = envOr("NETPILOT_LOG_DIR", c.Paths.LogDir)
	c.Paths.DataDir = envOr("NETPILOT_DATA_DIR", c.Paths.DataDir)
	c.Logging.Level = envOr("NETPILOT_LOG_LEVEL", c.Logging.Level)
	if c.ThreadPools.NumThreads <= 0 {
		c.ThreadPools.NumThreads = 5
	}
	if c.SSH.Port <= 0 {
		c.SSH.Port = 22
	}
	return c, nil
}

// LoadYAML 读取并解析任意 YAML 文件到 v。
func LoadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigFileError{Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return &ConfigFileError{Path: path, Parse: true, Err: err}
	}
	return nil
}

// CommandFile 返回任务对应 device_type 的命令文件路径；固件任务没有命令文件。
func (c *Config) CommandFile(task, deviceType string) (string, bool) {
	var m map[string]string
	switch task {
	case "config":
		m = c.Commands.Config
	case "backup":
		m = c.Commands.Backup
	case "inventory":
		m = c.Commands.Inventory
	}
	p, ok := m[deviceType]
	return p, ok && p != ""
}

// ResultFile 返回任务结果文件路径 (output/<task>/<task>_results.yaml)
func (c *Config) ResultFile(task string) string {
	return filepath.Join(c.Paths.OutputDir, task, task+"_results.yaml")
}

// BackupDir 备份文件目录
func (c *Config) BackupDir() string { return filepath.Join(c.Paths.OutputDir, "backup") }

// DBPath 返回 sqlite 文件路径。
func (c *Config) DBPath() string { return filepath.Join(c.Paths.DataDir, "netpilot.db") }

// Helpers
func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
