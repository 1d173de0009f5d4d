// Package webapi 以 HTTP 提供结果、历史、设备信息查询与任务触发，供内嵌的看板页面使用。
package webapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/repository"
	"github.com/QingMing-Bot/netpilot/internal/results"
	"github.com/QingMing-Bot/netpilot/internal/service"
	"github.com/QingMing-Bot/netpilot/pkg/config"
	"github.com/QingMing-Bot/netpilot/pkg/importexport"
)

// Jobs 后台任务控制，由 service.Dispatcher 实现
type Jobs interface {
	StartJob(kind domain.TaskKind) (string, error)
	Job(id string) (service.Job, bool)
	HasJob(id string) bool
	Cancel(id string) bool
}

// Server 看板后端
type Server struct {
	cfg    *config.Config
	jobs   Jobs
	hRepo  repository.HistoryRepoIface
	facts  repository.FactsRepoIface
	assets fs.FS
	log    logrus.FieldLogger

	// job 事件轮询间隔
	pollInterval time.Duration
}

func NewServer(cfg *config.Config, jobs Jobs, hRepo repository.HistoryRepoIface, facts repository.FactsRepoIface, assets fs.FS, log logrus.FieldLogger) *Server {
	return &Server{cfg: cfg, jobs: jobs, hRepo: hRepo, facts: facts, assets: assets, log: log, pollInterval: 300 * time.Millisecond}
}

// Handler 注册全部路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/results/{task}", s.getResults)
	mux.HandleFunc("GET /api/results/{task}/export.csv", s.exportResults)
	mux.HandleFunc("POST /api/run/{task}", s.runTask)
	mux.HandleFunc("GET /api/jobs/{id}", s.getJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.cancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.jobEvents)
	mux.HandleFunc("GET /api/history", s.history)
	mux.HandleFunc("GET /api/facts", s.listFacts)
	mux.HandleFunc("GET /api/logs/errors", s.errorLog)
	if s.assets != nil {
		mux.Handle("GET /", http.FileServerFS(s.assets))
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "ms": time.Since(start).Milliseconds()}).Debug("http")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func taskParam(w http.ResponseWriter, r *http.Request) (domain.TaskKind, bool) {
	kind, err := domain.ParseTaskKind(r.PathValue("task"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return "", false
	}
	return kind, true
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.TaskKinds)
}

// ResultsView 结果文件视图，成功与失败分开
type ResultsView struct {
	Task    domain.TaskKind     `json:"task"`
	File    string              `json:"file"`
	Success []domain.TaskResult `json:"success"`
	Failed  []domain.TaskResult `json:"failed"`
}

func (s *Server) readResults(w http.ResponseWriter, r *http.Request) (domain.TaskKind, []domain.TaskResult, bool) {
	kind, ok := taskParam(w, r)
	if !ok {
		return "", nil, false
	}
	rs, err := results.Read(s.cfg.ResultFile(string(kind)))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no results for %s yet", kind))
		return "", nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return "", nil, false
	}
	return kind, rs, true
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	kind, rs, ok := s.readResults(w, r)
	if !ok {
		return
	}
	v := ResultsView{Task: kind, File: s.cfg.ResultFile(string(kind)), Success: []domain.TaskResult{}, Failed: []domain.TaskResult{}}
	for _, res := range rs {
		if res.OK() {
			v.Success = append(v.Success, res)
		} else {
			v.Failed = append(v.Failed, res)
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) exportResults(w http.ResponseWriter, r *http.Request) {
	kind, rs, ok := s.readResults(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_results.csv", kind))
	_, _ = w.Write([]byte(importexport.RenderResultsCSV(rs)))
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	kind, ok := taskParam(w, r)
	if !ok {
		return
	}
	id, err := s.jobs.StartJob(kind)
	switch {
	case errors.Is(err, service.ErrTaskRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"job_id": id, "error": err.Error()})
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		s.log.WithFields(logrus.Fields{"task": kind, "job": id}).Info("job started from dashboard")
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobs.Job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.jobs.Cancel(r.PathValue("id"))})
}

// jobEvents 以 SSE 推送 job 结束事件 (事件名: job_done)
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.jobs.Job(id); !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if !s.jobs.HasJob(id) {
			j, _ := s.jobs.Job(id)
			data, _ := json.Marshal(j)
			fmt.Fprintf(w, "event: job_done\ndata: %s\n\n", data)
			flusher.Flush()
			return
		}
		fmt.Fprint(w, ": running\n\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.hRepo.ListFiltered(limit, q.Get("device"), q.Get("task"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []domain.TaskHistory{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) listFacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.facts.ListAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []domain.DeviceFacts{}
	}
	writeJSON(w, http.StatusOK, list)
}

const (
	defaultTailLines = 100
	maxTailLines     = 1000
)

// errorLog 返回 error.log 末尾若干行 (最多 maxTailLines)
func (s *Server) errorLog(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("lines"))
	if err != nil || n <= 0 {
		n = defaultTailLines
	}
	n = min(n, maxTailLines)
	lines, err := tail(filepath.Join(s.cfg.Paths.LogDir, "error.log"), n)
	if errors.Is(err, fs.ErrNotExist) {
		lines = []string{}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// tail 以环形缓冲读取文件最后 n 行
func tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ring := make([]string, n)
	total := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		ring[total%n] = sc.Text()
		total++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if total <= n {
		return ring[:total], nil
	}
	start := total % n
	return append(ring[start:], ring[:start]...), nil
}
