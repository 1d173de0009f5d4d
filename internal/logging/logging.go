package logging

// 进程启动时构建一次 logger 并向下传递，不使用包级全局 logger。
// 控制台输出全部级别；debug/info/error 三个文件分别追加对应级别及以上的日志。

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// New 创建 logger。logDir 为空时只输出到控制台。
// 返回的 close 用于关闭日志文件。
func New(logDir, level string) (*logrus.Logger, func() error, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel) // 过滤交给各输出
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	console := &levelWriter{w: os.Stdout, min: lvl}
	log.SetOutput(io.Discard)
	log.AddHook(console)

	if logDir == "" {
		return log, func() error { return nil }, nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	var files []*os.File
	closeAll := func() error {
		var first error
		for _, f := range files {
			if e := f.Close(); e != nil && first == nil {
				first = e
			}
		}
		return first
	}
	for _, lf := range []struct {
		name string
		min  logrus.Level
	}{
		{"debug.log", logrus.DebugLevel},
		{"info.log", logrus.InfoLevel},
		{"error.log", logrus.ErrorLevel},
	} {
		f, err := os.OpenFile(filepath.Join(logDir, lf.name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("open %s: %w", lf.name, err)
		}
		files = append(files, f)
		log.AddHook(&levelWriter{w: f, min: lf.min, plain: true})
	}
	return log, closeAll, nil
}

// levelWriter 把 min 及更严重级别的日志写入 w
type levelWriter struct {
	mu    sync.Mutex
	w     io.Writer
	min   logrus.Level
	plain bool
}

var fileFormatter = &logrus.TextFormatter{
	FullTimestamp:    true,
	TimestampFormat:  "2006-01-02 15:04:05.000",
	DisableColors:    true,
	QuoteEmptyFields: true,
}

func (h *levelWriter) Levels() []logrus.Level {
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= h.min {
			out = append(out, l)
		}
	}
	return out
}

func (h *levelWriter) Fire(e *logrus.Entry) error {
	var (
		b   []byte
		err error
	)
	if h.plain {
		b, err = fileFormatter.Format(e)
	} else {
		b, err = e.Logger.Formatter.Format(e)
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(b)
	return err
}

// Discard 测试用：丢弃所有输出
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
