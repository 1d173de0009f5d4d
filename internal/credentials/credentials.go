// Package credentials 按凭据文件解析设备登录信息，缺省回落到清单默认值。
package credentials

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/QingMing-Bot/netpilot/pkg/config"
	"github.com/QingMing-Bot/netpilot/pkg/secret"
)

type Entry struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	EnableSecret string `yaml:"enable_secret"`
}

// Store 对应 credentials.yaml，加载时解密 enc: 值
type Store struct {
	Default   Entry            `yaml:"default"`
	Overrides map[string]Entry `yaml:"overrides"`
}

// Credential 解析后的单台设备登录信息
type Credential struct {
	Username string
	Password string
	Secret   string
}

// Load 读取凭据文件；文件不存在时返回空 Store，使用清单默认值。
func Load(path string) (*Store, error) {
	s := &Store{}
	if path == "" {
		return s, nil
	}
	if err := config.LoadYAML(path, s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Store{}, nil
		}
		return nil, err
	}
	if err := s.Default.decrypt(); err != nil {
		return nil, fmt.Errorf("credentials default: %w", err)
	}
	for name, e := range s.Overrides {
		if err := e.decrypt(); err != nil {
			return nil, fmt.Errorf("credentials for %s: %w", name, err)
		}
		s.Overrides[name] = e
	}
	return s, nil
}

func (e *Entry) decrypt() error {
	for _, f := range []*string{&e.Username, &e.Password, &e.EnableSecret} {
		v, err := secret.DecryptString(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// Resolve 每个字段依次取 override、文件 default、fallback；
// enable 密码再回落到分组密码，最后是登录密码。
func (s *Store) Resolve(device string, fallback Entry, groupSecret string) Credential {
	var o Entry
	if s != nil {
		o = s.Overrides[device]
	}
	var d Entry
	if s != nil {
		d = s.Default
	}
	c := Credential{
		Username: first(o.Username, d.Username, fallback.Username),
		Password: first(o.Password, d.Password, fallback.Password),
	}
	c.Secret = first(o.EnableSecret, d.EnableSecret, fallback.EnableSecret, groupSecret, c.Password)
	return c
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
