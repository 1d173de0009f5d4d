package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	gssh "golang.org/x/crypto/ssh"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/vendor"
)

// Session 对单台设备的一次 CLI 会话 (交换机 shell)。
type Session interface {
	// Enable 进入特权模式
	Enable(ctx context.Context) error
	// SendCommand 执行一条命令，返回去掉回显与提示符的输出
	SendCommand(ctx context.Context, cmd string) (string, error)
	// SendConfigSet 进入配置模式依次下发命令，返回完整回显
	SendConfigSet(ctx context.Context, cmds []string) (string, error)
	// SaveConfig 保存 running-config
	SaveConfig(ctx context.Context) (string, error)
	// PutFile 通过 SCP 把本地文件传到设备文件系统 (如 "flash:")
	PutFile(ctx context.Context, localPath, fileSystem, name string) error
	Close() error
}

var (
	ErrUnsupportedDevice = errors.New("unsupported device type")
	ErrEnableFailed      = errors.New("failed to enter enable mode")
	ErrCommandRejected   = errors.New("command rejected by device")
	ErrSessionClosed     = errors.New("session closed by device")
)

// Options 连接参数
type Options struct {
	ConnectTimeout time.Duration // 默认 10s
	CommandTimeout time.Duration // 每次读提示符的超时，默认 30s
}

// Executor 负责建立设备会话与可达性探测。
type Executor struct {
	opts Options
}

// NewExecutor 创建执行器。
func NewExecutor(opts Options) *Executor {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &Executor{opts: opts}
}

// Probe 检查 host:port 是否能在 timeout 内建立 TCP 连接。
func (e *Executor) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Open 登录设备并启动交互 shell，关闭分页后返回会话。
func (e *Executor) Open(ctx context.Context, t domain.Target) (Session, error) {
	profile, ok := vendor.ProfileFor(t.DeviceType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, t.DeviceType)
	}
	if t.Username == "" {
		return nil, errors.New("no username for device")
	}
	port := t.Port
	if port <= 0 {
		port = 22
	}
	conf := &gssh.ClientConfig{
		User:            t.Username,
		Auth:            authMethods(t.Password),
		HostKeyCallback: gssh.InsecureIgnoreHostKey(),
		Timeout:         e.opts.ConnectTimeout,
	}
	legacyAlgorithms(&conf.Config)
	conf.HostKeyAlgorithms = append(gssh.SupportedAlgorithms().HostKeys, gssh.InsecureAlgorithms().HostKeys...)

	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))
	client, err := dialContext(ctx, addr, conf)
	if err != nil {
		return nil, fmt.Errorf("ssh connect %s: %w", addr, err)
	}
	s, err := newCLISession(client, profile, t, e.opts.CommandTimeout)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := s.readUntilPrompt(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("wait for prompt: %w", err)
	}
	for _, cmd := range profile.DisablePaging {
		if _, err := s.SendCommand(ctx, cmd); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("disable paging: %w", err)
		}
	}
	return s, nil
}

func authMethods(password string) []gssh.AuthMethod {
	return []gssh.AuthMethod{
		gssh.Password(password),
		gssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
}

// 老设备常见 group14-sha1 / cbc
func legacyAlgorithms(c *gssh.Config) {
	sup, ins := gssh.SupportedAlgorithms(), gssh.InsecureAlgorithms()
	c.KeyExchanges = append(append([]string{}, sup.KeyExchanges...), ins.KeyExchanges...)
	c.Ciphers = append(append([]string{}, sup.Ciphers...), ins.Ciphers...)
	c.MACs = append(append([]string{}, sup.MACs...), ins.MACs...)
}

func dialContext(ctx context.Context, addr string, conf *gssh.ClientConfig) (*gssh.Client, error) {
	d := net.Dialer{Timeout: conf.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if conf.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(conf.Timeout))
	}
	c, chans, reqs, err := gssh.NewClientConn(conn, addr, conf)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return gssh.NewClient(c, chans, reqs), nil
}

// -------- CLI 会话 --------

var (
	passwordPrompt = regexp.MustCompile(`(?i)password:\s*$`)
	ansiEscape     = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	rejectMarkers  = []string{"% Invalid input", "% Incomplete command", "% Ambiguous command", "% Unrecognized command"}
)

type cliSession struct {
	client  *gssh.Client
	sess    *gssh.Session
	stdin   io.WriteCloser
	profile *vendor.Profile
	target  domain.Target
	timeout time.Duration

	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newCLISession(client *gssh.Client, profile *vendor.Profile, t domain.Target, timeout time.Duration) (*cliSession, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	modes := gssh.TerminalModes{gssh.ECHO: 1, gssh.TTY_OP_ISPEED: 38400, gssh.TTY_OP_OSPEED: 38400}
	if err := sess.RequestPty("vt100", 0, 511, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	sess.Stderr = io.Discard
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	s := &cliSession{
		client:  client,
		sess:    sess,
		stdin:   stdin,
		profile: profile,
		target:  t,
		timeout: timeout,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (s *cliSession) readLoop(r io.Reader) {
	defer close(s.done)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// readUntil 等待缓冲区末行满足 match，取走并返回全部已读内容。
func (s *cliSession) readUntil(ctx context.Context, match func(lastLine string) bool) (string, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		text := s.buf.String()
		if match(lastLine(text)) {
			s.buf.Reset()
			s.mu.Unlock()
			return normalize(text), nil
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-s.done:
			s.mu.Lock()
			text = s.buf.String()
			s.mu.Unlock()
			if match(lastLine(text)) {
				return normalize(text), nil
			}
			return normalize(text), ErrSessionClosed
		case <-timer.C:
			return normalize(text), fmt.Errorf("timed out after %s waiting for prompt", s.timeout)
		case <-ctx.Done():
			return normalize(text), ctx.Err()
		}
	}
}

func (s *cliSession) readUntilPrompt(ctx context.Context) (string, error) {
	return s.readUntil(ctx, func(l string) bool { return s.profile.Prompt.MatchString(l) })
}

func (s *cliSession) write(line string) error {
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

func (s *cliSession) Enable(ctx context.Context) error {
	if s.privileged(ctx) {
		return nil
	}
	if err := s.write(s.profile.EnableCommand); err != nil {
		return err
	}
	out, err := s.readUntil(ctx, func(l string) bool {
		return passwordPrompt.MatchString(l) || s.profile.Prompt.MatchString(l)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnableFailed, err)
	}
	if passwordPrompt.MatchString(lastLine(out)) {
		secret := s.target.Secret
		if secret == "" {
			secret = s.target.Password
		}
		if err := s.write(secret); err != nil {
			return err
		}
		if _, err := s.readUntilPrompt(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrEnableFailed, err)
		}
	}
	if !s.privileged(ctx) {
		return ErrEnableFailed
	}
	return nil
}

// privileged 发送空行并检查提示符是否以 # 结尾
func (s *cliSession) privileged(ctx context.Context) bool {
	if err := s.write(""); err != nil {
		return false
	}
	out, err := s.readUntilPrompt(ctx)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.TrimSpace(lastLine(out)), "#")
}

func (s *cliSession) SendCommand(ctx context.Context, cmd string) (string, error) {
	if err := s.write(cmd); err != nil {
		return "", err
	}
	out, err := s.readUntilPrompt(ctx)
	if err != nil {
		return stripEchoAndPrompt(out, cmd), err
	}
	return stripEchoAndPrompt(out, cmd), nil
}

func (s *cliSession) SendConfigSet(ctx context.Context, cmds []string) (string, error) {
	var all strings.Builder
	send := func(c string) error {
		if err := s.write(c); err != nil {
			return err
		}
		out, err := s.readUntilPrompt(ctx)
		all.WriteString(out)
		if err != nil {
			return err
		}
		for _, m := range rejectMarkers {
			if strings.Contains(out, m) {
				return fmt.Errorf("%w: %q", ErrCommandRejected, c)
			}
		}
		return nil
	}
	if err := send(s.profile.ConfigEnter); err != nil {
		return all.String(), err
	}
	for _, c := range cmds {
		if err := send(c); err != nil {
			_ = send(s.profile.ConfigExit)
			return all.String(), err
		}
	}
	err := send(s.profile.ConfigExit)
	return all.String(), err
}

func (s *cliSession) SaveConfig(ctx context.Context) (string, error) {
	return s.SendCommand(ctx, s.profile.SaveCommand)
}

func (s *cliSession) PutFile(ctx context.Context, localPath, fileSystem, name string) error {
	return scpPut(ctx, s.client, localPath, s.profile.SCPPath(fileSystem, name))
}

func (s *cliSession) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.write("exit")
		_ = s.sess.Close()
		err = s.client.Close()
	})
	return err
}

// -------- 输出清理 --------

func normalize(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "")
}

func lastLine(s string) string {
	s = strings.TrimRight(normalize(s), " \t")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// stripEchoAndPrompt 去掉首行命令回显与末行提示符
func stripEchoAndPrompt(out, cmd string) string {
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && cmd != "" && strings.Contains(lines[0], cmd) {
		lines = lines[1:]
	}
	if len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
