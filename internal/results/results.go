// Package results 读写任务结果文件 (output/<task>/<task>_results.yaml)。
// 写入时持有 path+".lock" 上的劝告锁，写临时文件后 rename 覆盖，前端读到的总是完整文件。
package results

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/QingMing-Bot/netpilot/internal/domain"
)

var errLocked = errors.New("result file is locked by another writer")

// 非阻塞加锁的重试参数
var (
	lockAttempts uint = 10
	lockDelay         = 50 * time.Millisecond
	lockMaxDelay      = time.Second
)

// 同一进程内的写入者串行化；flock 对同进程内不同 fd 也互斥，这里只是避免无谓的重试
var mu sync.Mutex

// Write 以结果列表覆盖 path。锁只在写入期间持有，释放后删除锁文件。
func Write(path string, rs []domain.TaskResult, log logrus.FieldLogger) error {
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	if rs == nil {
		rs = []domain.TaskResult{}
	}
	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	lockPath := path + ".lock"
	var lf *os.File
	err = retry.Do(func() error {
		f, err := tryLock(lockPath)
		if err != nil {
			return err
		}
		lf = f
		return nil
	}, retry.Attempts(lockAttempts), retry.Delay(lockDelay), retry.MaxDelay(lockMaxDelay))
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lockPath, err)
	}
	defer func() {
		if err := unlock(lf); err != nil {
			log.WithError(err).Warn("release result lock")
		}
		// 删除后并发写者可能各自锁住不同 inode；结果文件经临时文件 rename 替换，内容始终完整
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warnf("remove lock file %s", lockPath)
		}
	}()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write results: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"file": path, "count": len(rs)}).Info("results written")
	return nil
}

// Read 读取结果文件
func Read(path string) ([]domain.TaskResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs []domain.TaskResult
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rs, nil
}

// Failed 返回状态不是 SUCCESS 的条目
func Failed(rs []domain.TaskResult) []domain.TaskResult {
	var out []domain.TaskResult
	for _, r := range rs {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}
