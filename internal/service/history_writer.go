package service

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/repository"
)

// HistoryWriter 异步批量写入执行历史，避免设备 goroutine 等待数据库
type HistoryWriter struct {
	repo          repository.HistoryRepoIface
	log           logrus.FieldLogger
	ch            chan domain.TaskHistory
	stop          chan struct{}
	flushInterval time.Duration
	batchSize     int
	wg            sync.WaitGroup
	once          sync.Once
}

func NewHistoryWriter(repo repository.HistoryRepoIface, log logrus.FieldLogger, flushSec int, batchSize int) *HistoryWriter {
	if flushSec <= 0 {
		flushSec = 2
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	hw := &HistoryWriter{repo: repo, log: log, ch: make(chan domain.TaskHistory, batchSize*4), stop: make(chan struct{}), flushInterval: time.Duration(flushSec) * time.Second, batchSize: batchSize}
	hw.wg.Add(1)
	go hw.loop()
	return hw
}

func (w *HistoryWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	batch := make([]domain.TaskHistory, 0, w.batchSize)
	flush := func() {
		for i := range batch {
			if err := w.repo.Insert(&batch[i]); err != nil {
				w.log.WithError(err).WithField("device", batch[i].Device).Warn("write task history")
			}
		}
		batch = batch[:0]
	}
	for {
		select {
		case h := <-w.ch:
			batch = append(batch, h)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}
		case <-w.stop:
			// 取完通道中剩余的记录
			for {
				select {
				case h := <-w.ch:
					batch = append(batch, h)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Write 非阻塞入队；队列满时丢弃并记录
func (w *HistoryWriter) Write(h domain.TaskHistory) {
	select {
	case w.ch <- h:
	default:
		w.log.WithField("device", h.Device).Warn("history queue full, record dropped")
	}
}

// Close 刷新剩余记录后返回，可重复调用
func (w *HistoryWriter) Close() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}
