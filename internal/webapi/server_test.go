package webapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/logging"
	"github.com/QingMing-Bot/netpilot/internal/repository"
	"github.com/QingMing-Bot/netpilot/internal/results"
	"github.com/QingMing-Bot/netpilot/internal/service"
	"github.com/QingMing-Bot/netpilot/pkg/config"
)

type fakeJobs struct {
	mu      sync.Mutex
	jobs    map[string]service.Job
	started []domain.TaskKind
}

func (f *fakeJobs) StartJob(kind domain.TaskKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, j := range f.jobs {
		if j.Task == kind && j.Running {
			return id, service.ErrTaskRunning
		}
	}
	id := string(kind) + "-1"
	f.jobs[id] = service.Job{ID: id, Task: kind, Running: true}
	f.started = append(f.started, kind)
	return id, nil
}

func (f *fakeJobs) Job(id string) (service.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeJobs) HasJob(id string) bool {
	j, ok := f.Job(id)
	return ok && j.Running
}

func (f *fakeJobs) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || !j.Running {
		return false
	}
	j.Running = false
	j.Error = "context canceled"
	f.jobs[id] = j
	return true
}

type stubHistory struct {
	repository.HistoryRepoIface
	rows      []domain.TaskHistory
	limit     int
	gotDevice string
	gotTask   string
}

func (s *stubHistory) ListFiltered(limit int, device, task string) ([]domain.TaskHistory, error) {
	s.limit, s.gotDevice, s.gotTask = limit, device, task
	return s.rows, nil
}

type stubFacts struct {
	repository.FactsRepoIface
	rows []domain.DeviceFacts
}

func (s *stubFacts) ListAll() ([]domain.DeviceFacts, error) { return s.rows, nil }

type env struct {
	cfg   *config.Config
	jobs  *fakeJobs
	hist  *stubHistory
	facts *stubFacts
	srv   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(dir, "output")
	cfg.Paths.LogDir = filepath.Join(dir, "logs")
	e := &env{cfg: cfg, jobs: &fakeJobs{jobs: map[string]service.Job{}}, hist: &stubHistory{}, facts: &stubFacts{}}
	assets := fstest.MapFS{"index.html": {Data: []byte("<html>netpilot</html>")}}
	s := NewServer(cfg, e.jobs, e.hist, e.facts, assets, logging.Discard())
	s.pollInterval = 10 * time.Millisecond
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *env) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestListTasks(t *testing.T) {
	e := newEnv(t)
	var kinds []string
	decode(t, e.get(t, "/api/tasks"), &kinds)
	assert.Equal(t, []string{"config", "backup", "inventory", "firmware"}, kinds)
}

func TestResults(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/results/backup").StatusCode)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/results/reboot").StatusCode)

	rs := []domain.TaskResult{
		{Device: "sw1", Host: "10.0.0.1", Status: domain.StatusSuccess, Output: "ok", Files: []string{"a.txt"}},
		{Device: "sw2", Host: "10.0.0.2", Status: domain.StatusFailed, Output: "IP not reachable on port 22: 10.0.0.2"},
	}
	require.NoError(t, results.Write(e.cfg.ResultFile("backup"), rs, logging.Discard()))

	resp := e.get(t, "/api/results/backup")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v ResultsView
	decode(t, resp, &v)
	require.Len(t, v.Success, 1)
	require.Len(t, v.Failed, 1)
	assert.Equal(t, "sw1", v.Success[0].Device)
	assert.Equal(t, "sw2", v.Failed[0].Device)

	csv := e.get(t, "/api/results/backup/export.csv")
	require.Equal(t, http.StatusOK, csv.StatusCode)
	assert.Contains(t, csv.Header.Get("Content-Type"), "text/csv")
	body, err := io.ReadAll(csv.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "device,host,status,files,output\n"))
	assert.Contains(t, string(body), "sw1,10.0.0.1,SUCCESS,a.txt,ok")
}

func TestRunTask(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/api/run/backup")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	assert.Equal(t, "backup-1", out["job_id"])

	again := e.post(t, "/api/run/backup")
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	var conflict map[string]string
	decode(t, again, &conflict)
	assert.Equal(t, "backup-1", conflict["job_id"])

	assert.Equal(t, http.StatusNotFound, e.post(t, "/api/run/reboot").StatusCode)
	assert.Equal(t, []domain.TaskKind{domain.TaskBackup}, e.jobs.started)
}

func TestJobLifecycle(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/jobs/nope").StatusCode)

	e.post(t, "/api/run/inventory")
	var j service.Job
	decode(t, e.get(t, "/api/jobs/inventory-1"), &j)
	assert.True(t, j.Running)

	var c map[string]bool
	decode(t, e.post(t, "/api/jobs/inventory-1/cancel"), &c)
	assert.True(t, c["cancelled"])
	decode(t, e.post(t, "/api/jobs/inventory-1/cancel"), &c)
	assert.False(t, c["cancelled"])
}

func TestJobEvents(t *testing.T) {
	e := newEnv(t)
	e.post(t, "/api/run/config")
	go func() {
		time.Sleep(50 * time.Millisecond)
		e.jobs.Cancel("config-1")
	}()
	resp := e.get(t, "/api/jobs/config-1/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: job_done")
	assert.Contains(t, string(body), `"id":"config-1"`)
}

func TestHistoryAndFacts(t *testing.T) {
	e := newEnv(t)
	var hs []domain.TaskHistory
	decode(t, e.get(t, "/api/history"), &hs)
	assert.Empty(t, hs)
	assert.NotNil(t, hs)

	e.hist.rows = []domain.TaskHistory{{RunID: "r1", Task: domain.TaskBackup, Device: "sw1", Status: domain.StatusSuccess}}
	decode(t, e.get(t, "/api/history?limit=5&device=sw1&task=backup"), &hs)
	require.Len(t, hs, 1)
	assert.Equal(t, 5, e.hist.limit)
	assert.Equal(t, "sw1", e.hist.gotDevice)
	assert.Equal(t, "backup", e.hist.gotTask)

	e.facts.rows = []domain.DeviceFacts{{Device: "sw1", Model: "DCS-7050SX-64-R", SFPCount: 48}}
	var fs []domain.DeviceFacts
	decode(t, e.get(t, "/api/facts"), &fs)
	require.Len(t, fs, 1)
	assert.Equal(t, 48, fs[0].SFPCount)
}

func TestErrorLogTail(t *testing.T) {
	e := newEnv(t)
	var lines []string
	decode(t, e.get(t, "/api/logs/errors"), &lines)
	assert.Empty(t, lines)

	require.NoError(t, os.MkdirAll(e.cfg.Paths.LogDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.Paths.LogDir, "error.log"), []byte("one\ntwo\nthree\n"), 0o644))
	decode(t, e.get(t, "/api/logs/errors?lines=2"), &lines)
	assert.Equal(t, []string{"two", "three"}, lines)

	decode(t, e.get(t, "/api/logs/errors?lines=20000000000"), &lines)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	var sb strings.Builder
	for i := 1; i <= 2500; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	got, err := tail(path, maxTailLines)
	require.NoError(t, err)
	require.Len(t, got, maxTailLines)
	assert.Equal(t, "line 1501", got[0])
	assert.Equal(t, "line 2500", got[maxTailLines-1])

	got, err = tail(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 2498", "line 2499", "line 2500"}, got)

	short := filepath.Join(t.TempDir(), "short.log")
	require.NoError(t, os.WriteFile(short, []byte("a\nb\n"), 0o644))
	got, err = tail(short, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestStaticAssets(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "netpilot")
}
