package domain

import "time"

// Device 清单中的一台设备；加载后不再修改
type Device struct {
	Name  string `yaml:"name" json:"name"`
	Host  string `yaml:"host" json:"host"`   // 管理 IP
	Group string `yaml:"group" json:"group"` // 厂商分组 (arista / cisco)
}

// Target 建立 SSH 会话所需的全部参数
type Target struct {
	Name       string
	Host       string
	Port       int
	DeviceType string
	Username   string
	Password   string `json:"-"`
	Secret     string `json:"-"` // enable 密码
}

// DeviceFacts 巡检解析出的设备信息 (尽力而为)
type DeviceFacts struct {
	Device    string    `yaml:"-" json:"device"`
	Host      string    `yaml:"-" json:"host,omitempty"`
	Model     string    `yaml:"model,omitempty" json:"model"`
	SFPCount  int       `yaml:"sfp_count" json:"sfp_count"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at,omitempty"`
}
