package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	gssh "golang.org/x/crypto/ssh"

	"github.com/QingMing-Bot/netpilot/internal/domain"
)

// startFakeSwitch 启动一个模拟 EOS CLI 的 SSH 服务 (admin/admin, enable 密码 enablepw)
func startFakeSwitch(t *testing.T) (string, int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := gssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &gssh.ServerConfig{
		PasswordCallback: func(c gssh.ConnMetadata, pass []byte) (*gssh.Permissions, error) {
			if c.User() == "admin" && string(pass) == "admin" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(nc, cfg)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func serveFakeConn(nc net.Conn, cfg *gssh.ServerConfig) {
	_, chans, reqs, err := gssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go gssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(gssh.UnknownChannelType, "")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range creqs {
				switch req.Type {
				case "pty-req":
					_ = req.Reply(true, nil)
				case "shell":
					_ = req.Reply(true, nil)
					go fakeCLI(ch)
				default:
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

func fakeCLI(ch gssh.Channel) {
	defer ch.Close()
	enabled, inConfig, awaitingSecret := false, false, false
	prompt := func() string {
		switch {
		case inConfig:
			return "sw1(config)#"
		case enabled:
			return "sw1#"
		default:
			return "sw1>"
		}
	}
	_, _ = io.WriteString(ch, "\r\nLast login: never\r\n"+prompt())
	sc := bufio.NewScanner(ch)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if awaitingSecret {
			awaitingSecret = false
			if line == "enablepw" {
				enabled = true
				_, _ = io.WriteString(ch, "\r\n"+prompt())
			} else {
				_, _ = io.WriteString(ch, "\r\n% Access denied\r\n"+prompt())
			}
			continue
		}
		echo := line + "\r\n"
		out := ""
		switch {
		case line == "exit":
			return
		case line == "enable":
			_, _ = io.WriteString(ch, echo+"Password: ")
			awaitingSecret = true
			continue
		case line == "configure terminal":
			inConfig = true
		case line == "end":
			inConfig = false
		case line == "show version":
			out = "Arista DCS-7050SX-64-R\r\nSerial number: JPE1\r\n"
		case line == "write memory":
			out = "Copy completed successfully.\r\n"
		case strings.HasPrefix(line, "bogus"):
			out = "% Invalid input\r\n"
		}
		_, _ = io.WriteString(ch, echo+out+prompt())
	}
}

func TestExecutor_CLISession(t *testing.T) {
	host, port := startFakeSwitch(t)
	e := NewExecutor(Options{ConnectTimeout: 3 * time.Second, CommandTimeout: 3 * time.Second})
	ctx := context.Background()

	s, err := e.Open(ctx, domain.Target{Name: "sw1", Host: host, Port: port, DeviceType: "arista_eos", Username: "admin", Password: "admin", Secret: "enablepw"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	out, err := s.SendCommand(ctx, "show version")
	if err != nil {
		t.Fatalf("show version: %v", err)
	}
	if out != "Arista DCS-7050SX-64-R\nSerial number: JPE1" {
		t.Fatalf("unexpected output %q", out)
	}
	cfgOut, err := s.SendConfigSet(ctx, []string{"vlan 100", "name USERS"})
	if err != nil {
		t.Fatalf("config set: %v", err)
	}
	if !strings.Contains(cfgOut, "vlan 100") || !strings.Contains(cfgOut, "sw1(config)#") {
		t.Fatalf("unexpected config output %q", cfgOut)
	}
	if _, err := s.SendConfigSet(ctx, []string{"bogus command"}); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected rejected command, got %v", err)
	}
	save, err := s.SaveConfig(ctx)
	if err != nil || !strings.Contains(save, "Copy completed") {
		t.Fatalf("save: %q %v", save, err)
	}
}

func TestExecutor_AuthFailure(t *testing.T) {
	host, port := startFakeSwitch(t)
	e := NewExecutor(Options{ConnectTimeout: 3 * time.Second})
	_, err := e.Open(context.Background(), domain.Target{Host: host, Port: port, DeviceType: "arista_eos", Username: "admin", Password: "wrong"})
	if err == nil {
		t.Fatalf("expected auth failure")
	}
}

func TestExecutor_UnsupportedType(t *testing.T) {
	e := NewExecutor(Options{})
	_, err := e.Open(context.Background(), domain.Target{Host: "127.0.0.1", DeviceType: "juniper_junos", Username: "a"})
	if !errors.Is(err, ErrUnsupportedDevice) {
		t.Fatalf("expected ErrUnsupportedDevice, got %v", err)
	}
}

func TestExecutor_Probe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	e := NewExecutor(Options{})
	if !e.Probe(context.Background(), "127.0.0.1", port, time.Second) {
		t.Fatalf("expected reachable")
	}
	_ = ln.Close()
	if e.Probe(context.Background(), "127.0.0.1", port, 500*time.Millisecond) {
		t.Fatalf("expected unreachable after close")
	}
}

func TestStripEchoAndPrompt(t *testing.T) {
	got := stripEchoAndPrompt("show clock\nMon Oct 19 10:15:00 2026\nsw1#", "show clock")
	if got != "Mon Oct 19 10:15:00 2026" {
		t.Fatalf("got %q", got)
	}
	if lastLine("a\r\nb\x1b[0m\r\nsw1# ") != "sw1#" {
		t.Fatalf("lastLine did not normalize")
	}
}

func TestMockExecutor_Sequence(t *testing.T) {
	m := NewMockExecutor()
	m.Set("dir flash:", MockResult{Output: "first"}, MockResult{Output: "second"})
	m.SetFor("10.0.0.2", "show clock", MockResult{Err: errors.New("boom")})
	ctx := context.Background()
	s, _ := m.Open(ctx, domain.Target{Host: "10.0.0.1"})
	a, _ := s.SendCommand(ctx, "dir flash:")
	b, _ := s.SendCommand(ctx, "dir flash:")
	c, _ := s.SendCommand(ctx, "dir flash:")
	if a != "first" || b != "second" || c != "second" {
		t.Fatalf("unexpected sequence %q %q %q", a, b, c)
	}
	if _, err := s.SendCommand(ctx, "show clock"); err != nil {
		t.Fatalf("host-specific script leaked: %v", err)
	}
	s2, _ := m.Open(ctx, domain.Target{Host: "10.0.0.2"})
	if _, err := s2.SendCommand(ctx, "show clock"); err == nil {
		t.Fatalf("expected host-specific error")
	}
	if len(m.Sessions()) != 2 || m.SessionFor("10.0.0.1") == nil {
		t.Fatalf("sessions not recorded")
	}
}
