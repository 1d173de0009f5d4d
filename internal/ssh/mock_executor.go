package ssh

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/QingMing-Bot/netpilot/internal/domain"
)

// MockExecutor 用于测试：按命令脚本化设备输出，并记录会话内的操作
type MockExecutor struct {
	mu          sync.Mutex
	scripts     map[string][]MockResult // key: [host "|"] command
	calls       map[string]int
	openErr     map[string]error
	unreachable map[string]bool
	sessions    []*MockSession
}

type MockResult struct {
	Output  string
	Err     error
	DelayMs int
}

// 配置下发/保存/上传使用的脚本 key
const (
	MockConfigSet = "<config-set>"
	MockSave      = "<save>"
	MockPut       = "<put>"
	MockEnable    = "<enable>"
)

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		scripts:     map[string][]MockResult{},
		calls:       map[string]int{},
		openErr:     map[string]error{},
		unreachable: map[string]bool{},
	}
}

// Set 设置命令结果；传多个结果时按调用次序依次返回，最后一个重复使用
func (m *MockExecutor) Set(cmd string, res ...MockResult) {
	m.mu.Lock()
	m.scripts[cmd] = res
	m.mu.Unlock()
}

// SetFor 仅对指定 host 生效
func (m *MockExecutor) SetFor(host, cmd string, res ...MockResult) { m.Set(host+"|"+cmd, res...) }

// FailOpen 使 host 登录失败
func (m *MockExecutor) FailOpen(host string, err error) {
	m.mu.Lock()
	m.openErr[host] = err
	m.mu.Unlock()
}

// SetUnreachable 使 host 的 TCP 探测失败
func (m *MockExecutor) SetUnreachable(host string) {
	m.mu.Lock()
	m.unreachable[host] = true
	m.mu.Unlock()
}

// Sessions 返回已打开的全部会话
func (m *MockExecutor) Sessions() []*MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockSession(nil), m.sessions...)
}

// SessionFor 返回 host 的第一个会话
func (m *MockExecutor) SessionFor(host string) *MockSession {
	for _, s := range m.Sessions() {
		if s.Target.Host == host {
			return s
		}
	}
	return nil
}

func (m *MockExecutor) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unreachable[host]
}

func (m *MockExecutor) Open(ctx context.Context, t domain.Target) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openErr[t.Host]; err != nil {
		return nil, err
	}
	s := &MockSession{exec: m, Target: t}
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *MockExecutor) result(ctx context.Context, host, cmd string) (MockResult, bool) {
	m.mu.Lock()
	key := host + "|" + cmd
	seq, ok := m.scripts[key]
	if !ok {
		key = cmd
		seq, ok = m.scripts[key]
	}
	if !ok || len(seq) == 0 {
		m.mu.Unlock()
		return MockResult{}, false
	}
	i := m.calls[key]
	m.calls[key]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	r := seq[i]
	m.mu.Unlock()
	if r.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return MockResult{Err: ctx.Err()}, true
		case <-time.After(time.Duration(r.DelayMs) * time.Millisecond):
		}
	}
	return r, true
}

// MockSession 记录发送到设备的命令
type MockSession struct {
	exec   *MockExecutor
	Target domain.Target

	mu         sync.Mutex
	Commands   []string
	ConfigSets [][]string
	Saved      int
	Files      []string // fileSystem + name
	Enabled    bool
	Closed     bool
}

func (s *MockSession) record(f func()) {
	s.mu.Lock()
	f()
	s.mu.Unlock()
}

func (s *MockSession) Enable(ctx context.Context) error {
	r, _ := s.exec.result(ctx, s.Target.Host, MockEnable)
	if r.Err == nil {
		s.record(func() { s.Enabled = true })
	}
	return r.Err
}

func (s *MockSession) SendCommand(ctx context.Context, cmd string) (string, error) {
	s.record(func() { s.Commands = append(s.Commands, cmd) })
	r, _ := s.exec.result(ctx, s.Target.Host, cmd)
	return r.Output, r.Err
}

func (s *MockSession) SendConfigSet(ctx context.Context, cmds []string) (string, error) {
	s.record(func() { s.ConfigSets = append(s.ConfigSets, append([]string(nil), cmds...)) })
	r, ok := s.exec.result(ctx, s.Target.Host, MockConfigSet)
	if !ok {
		return strings.Join(cmds, "\n"), nil
	}
	return r.Output, r.Err
}

func (s *MockSession) SaveConfig(ctx context.Context) (string, error) {
	s.record(func() { s.Saved++ })
	r, ok := s.exec.result(ctx, s.Target.Host, MockSave)
	if !ok {
		return "Copy completed successfully.", nil
	}
	return r.Output, r.Err
}

func (s *MockSession) PutFile(ctx context.Context, localPath, fileSystem, name string) error {
	r, _ := s.exec.result(ctx, s.Target.Host, MockPut)
	if r.Err == nil {
		s.record(func() { s.Files = append(s.Files, fileSystem+name) })
	}
	return r.Err
}

func (s *MockSession) Close() error {
	s.record(func() { s.Closed = true })
	return nil
}

// Sent 返回已发送命令的副本
func (s *MockSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Commands...)
}
