package firmware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/logging"
	"github.com/QingMing-Bot/netpilot/internal/ssh"
)

const aristaDir = `Directory of flash:/

       -rwx   693283235           Jan 12  2023  EOS-4.28.3M.swi
       -rwx    52428800           Mar  3  2022  old-agent.bin
       -rwx    52428800           Mar  3  2022  diag.bin
       -rwx         123           Jan 12  2023  startup-config

3957878784 bytes total (%s bytes free)`

func dirWithFree(free string) string { return strings.Replace(aristaDir, "%s", free, 1) }

func TestLoadAndDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "firmware.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
arista_eos:
  firmware:
    file_path: images/EOS-4.30.1F.swi
    file_name: EOS-4.30.1F.swi
    md5sum_path: images/EOS-4.30.1F.swi.md5
  reload_times:
    after: "22:00"
`), 0o644))
	f, err := Load(p)
	require.NoError(t, err)
	s, err := f.For("arista_eos")
	require.NoError(t, err)
	assert.Equal(t, DefaultMinFreeMB, s.Firmware.MinFreeMB)
	assert.Equal(t, ReloadTimes{Before: "12:30", After: "22:00"}, s.ReloadTimes)

	_, err = f.For("cisco_ios")
	assert.ErrorContains(t, err, "missing in firmware.yaml")
}

func TestReloadTime(t *testing.T) {
	rt := ReloadTimes{Before: "12:30", After: "20:30"}
	cases := []struct {
		h, m int
		want string
	}{
		{9, 0, "12:30"},
		{12, 29, "12:30"},
		{12, 30, "20:30"},
		{23, 59, "20:30"},
	}
	for _, c := range cases {
		got, err := ReloadTime(c.h, c.m, rt)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%02d:%02d", c.h, c.m)
	}
	_, err := ReloadTime(1, 0, ReloadTimes{Before: "noon", After: "20:30"})
	assert.Error(t, err)
}

func TestParseFlash(t *testing.T) {
	assert.Equal(t, 2747, ParseFreeSpaceMB(dirWithFree("2880999424")))
	assert.Equal(t, 0, ParseFreeSpaceMB("% Invalid input"))
	assert.Equal(t, []string{"old-agent.bin", "diag.bin"}, ParseOldImages(aristaDir, "EOS-4.30.1F.bin"))
	assert.Equal(t, []string{"diag.bin"}, ParseOldImages(aristaDir, "old-agent.bin"))
	assert.True(t, HasImage(aristaDir, "EOS-4.28.3M.swi"))
	assert.False(t, HasImage(aristaDir, "EOS-4.28"))
}

func TestParseClock(t *testing.T) {
	out := "Mon Oct 19 10:15:42 2026\nTimezone: UTC\nClock source: local"
	got, ok := ParseClock(out)
	require.True(t, ok)
	assert.Equal(t, 10, got.Hour())
	assert.Equal(t, 15, got.Minute())

	_, ok = ParseClock("% clock not set")
	assert.False(t, ok)

	ts := time.Date(2026, time.March, 5, 7, 8, 9, 0, time.UTC)
	assert.Equal(t, "clock set 07:08:09 05 Mar 2026", ClockSetCommand(ts))
}

type imageFixture struct {
	img Image
	md5 string
}

func newImage(t *testing.T, recorded string) imageFixture {
	t.Helper()
	dir := t.TempDir()
	img := Image{
		FilePath:   filepath.Join(dir, "EOS-4.30.1F.bin"),
		FileName:   "EOS-4.30.1F.bin",
		MD5SumPath: filepath.Join(dir, "EOS-4.30.1F.bin.md5"),
		MinFreeMB:  800,
	}
	require.NoError(t, os.WriteFile(img.FilePath, []byte("image-bytes"), 0o644))
	sum, err := FileMD5(img.FilePath)
	require.NoError(t, err)
	if recorded == "" {
		recorded = sum
	}
	require.NoError(t, os.WriteFile(img.MD5SumPath, []byte(recorded+"  EOS-4.30.1F.bin\n"), 0o644))
	return imageFixture{img: img, md5: sum}
}

func TestVerifyLocal(t *testing.T) {
	fx := newImage(t, "")
	got, err := VerifyLocal(fx.img)
	require.NoError(t, err)
	assert.Equal(t, fx.md5, got)

	bad := newImage(t, "00000000000000000000000000000000")
	_, err = VerifyLocal(bad.img)
	assert.ErrorContains(t, err, "MD5 mismatch")

	missing := fx.img
	missing.FilePath = filepath.Join(t.TempDir(), "nope.bin")
	_, err = VerifyLocal(missing)
	assert.ErrorContains(t, err, "missing")
}

func openMock(t *testing.T, m *ssh.MockExecutor) *ssh.MockSession {
	t.Helper()
	s, err := m.Open(context.Background(), domain.Target{Name: "sw1", Host: "10.0.0.1", DeviceType: "arista_eos"})
	require.NoError(t, err)
	return s.(*ssh.MockSession)
}

func TestRunArista_CleanupTransferAndReload(t *testing.T) {
	fx := newImage(t, "")
	m := ssh.NewMockExecutor()
	m.Set("dir flash:", ssh.MockResult{Output: dirWithFree("104857600")}, ssh.MockResult{Output: dirWithFree("2880999424")})
	m.Set("verify /md5 flash:EOS-4.30.1F.bin", ssh.MockResult{Output: "verify /md5 (flash:EOS-4.30.1F.bin) = " + fx.md5})
	m.Set("show clock", ssh.MockResult{Output: "Mon Oct 19 14:02:11 2026\nTimezone: UTC"})
	sess := openMock(t, m)

	p := &Procedure{Settings: Settings{Firmware: fx.img, ReloadTimes: ReloadTimes{Before: "12:30", After: "20:30"}}, ExpectedMD5: fx.md5, Log: logging.Discard()}
	require.NoError(t, p.RunArista(context.Background(), sess))

	sent := sess.Sent()
	assert.Contains(t, sent, "delete flash:old-agent.bin")
	assert.Contains(t, sent, "delete flash:diag.bin")
	assert.Equal(t, "reload at 20:30", sent[len(sent)-1])
	assert.Equal(t, []string{"flash:EOS-4.30.1F.bin"}, sess.Files)
	assert.Equal(t, [][]string{{"boot system flash:EOS-4.30.1F.bin"}}, sess.ConfigSets)
	assert.Equal(t, 1, sess.Saved)
	assert.Contains(t, p.Output(), "Reload scheduled at 20:30")
}

func TestRunArista_InsufficientSpaceAborts(t *testing.T) {
	fx := newImage(t, "")
	m := ssh.NewMockExecutor()
	m.Set("dir flash:", ssh.MockResult{Output: dirWithFree("1048576")})
	sess := openMock(t, m)

	p := &Procedure{Settings: Settings{Firmware: fx.img}, ExpectedMD5: fx.md5, Log: logging.Discard()}
	err := p.RunArista(context.Background(), sess)
	assert.ErrorContains(t, err, "insufficient flash space")
	assert.Empty(t, sess.Files)
	assert.Zero(t, sess.Saved)
}

func TestRunArista_DeviceMD5Mismatch(t *testing.T) {
	fx := newImage(t, "")
	m := ssh.NewMockExecutor()
	m.Set("dir flash:", ssh.MockResult{Output: dirWithFree("2880999424") + "\n  -rwx 11 Jan 1 2026 EOS-4.30.1F.bin"})
	m.Set("verify /md5 flash:EOS-4.30.1F.bin", ssh.MockResult{Output: "verify /md5 (flash:EOS-4.30.1F.bin) = deadbeef"})
	sess := openMock(t, m)

	p := &Procedure{Settings: Settings{Firmware: fx.img}, ExpectedMD5: fx.md5, Log: logging.Discard()}
	err := p.RunArista(context.Background(), sess)
	assert.ErrorContains(t, err, "MD5 mismatch")
	assert.Empty(t, sess.Files, "image already present, no transfer")
	assert.Empty(t, sess.ConfigSets)
}

func TestRunArista_ClockResync(t *testing.T) {
	fx := newImage(t, "")
	m := ssh.NewMockExecutor()
	m.Set("dir flash:", ssh.MockResult{Output: dirWithFree("2880999424")})
	m.Set("verify /md5 flash:EOS-4.30.1F.bin", ssh.MockResult{Output: fx.md5})
	m.Set("show clock", ssh.MockResult{Output: "garbage"}, ssh.MockResult{Output: "Tue Oct 20 08:00:00 2026"})
	sess := openMock(t, m)

	host := time.Date(2026, time.October, 20, 8, 0, 0, 0, time.UTC)
	p := &Procedure{Settings: Settings{Firmware: fx.img, ReloadTimes: ReloadTimes{Before: "12:30", After: "20:30"}}, ExpectedMD5: fx.md5, Log: logging.Discard(), Now: func() time.Time { return host }}
	require.NoError(t, p.RunArista(context.Background(), sess))
	assert.Contains(t, sess.ConfigSets, []string{"clock set 08:00:00 20 Oct 2026"})
	sent := sess.Sent()
	assert.Equal(t, "reload at 12:30", sent[len(sent)-1])
}

func TestRunArista_TransferFailure(t *testing.T) {
	fx := newImage(t, "")
	m := ssh.NewMockExecutor()
	m.Set("dir flash:", ssh.MockResult{Output: dirWithFree("2880999424")})
	m.Set(ssh.MockPut, ssh.MockResult{Err: errors.New("scp: permission denied")})
	sess := openMock(t, m)

	p := &Procedure{Settings: Settings{Firmware: fx.img}, ExpectedMD5: fx.md5, Log: logging.Discard()}
	err := p.RunArista(context.Background(), sess)
	assert.ErrorContains(t, err, "transfer failed")
	assert.NotContains(t, sess.Sent(), "verify /md5 flash:EOS-4.30.1F.bin")
}
