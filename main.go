package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/QingMing-Bot/netpilot/internal/domain"
	"github.com/QingMing-Bot/netpilot/internal/logging"
	"github.com/QingMing-Bot/netpilot/internal/repository"
	"github.com/QingMing-Bot/netpilot/internal/service"
	"github.com/QingMing-Bot/netpilot/internal/ssh"
	"github.com/QingMing-Bot/netpilot/internal/webapi"
	"github.com/QingMing-Bot/netpilot/pkg/config"
	"github.com/QingMing-Bot/netpilot/pkg/importexport"
	"github.com/QingMing-Bot/netpilot/webui"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath   = flag.String("config", "config/config.yaml", "配置文件路径 (为空时使用内置默认值)")
		task      = flag.String("task", "", "任务: config|backup|inventory|firmware")
		serve     = flag.String("serve", "", "启动看板，监听地址如 :8080")
		importCSV = flag.String("import-csv", "", "由 host,vendor CSV 生成设备清单")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, closeLogs, err := logging.New(cfg.Paths.LogDir, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLogs()

	if *importCSV != "" {
		n, err := importexport.ConvertCSVFile(*importCSV, cfg.Paths.Devices)
		if err != nil {
			log.WithError(err).Error("csv import failed")
			return 1
		}
		log.WithFields(logrus.Fields{"devices": n, "file": cfg.Paths.Devices}).Info("inventory written")
		if *task == "" && *serve == "" {
			return 0
		}
	}

	var kind domain.TaskKind
	if *task != "" {
		if kind, err = domain.ParseTaskKind(*task); err != nil {
			log.WithError(err).Errorf("choose one of %v", domain.TaskKinds)
			return 0
		}
	} else if *serve == "" {
		flag.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg.DBPath())
	if err != nil {
		log.WithError(err).Error("open database")
		return 1
	}
	defer db.Close()
	hRepo := repository.NewHistoryRepo(db)
	facts := repository.NewFactsRepo(db)
	hWriter := service.NewHistoryWriter(hRepo, log, cfg.History.FlushInterval, cfg.History.BatchSize)
	defer hWriter.Close()
	if cfg.History.RetentionDays > 0 || cfg.History.MaxRows > 0 {
		if err := hRepo.Cleanup(cfg.History.RetentionDays, cfg.History.MaxRows); err != nil {
			log.WithError(err).Warn("history cleanup")
		}
	}

	executor := ssh.NewExecutor(ssh.Options{ConnectTimeout: cfg.SSH.ConnectTimeout, CommandTimeout: cfg.SSH.CommandTimeout})
	tasks := service.NewTasks(executor, cfg, nil, log)
	disp := service.NewDispatcher(cfg, tasks, hWriter, facts, log)

	if *serve != "" {
		return serveDashboard(ctx, *serve, cfg, disp, hRepo, facts, log)
	}

	sum, err := disp.Run(ctx, kind)
	if err != nil {
		log.WithError(err).WithField("task", kind).Error("task run failed")
		return 1
	}
	log.WithFields(logrus.Fields{
		"task": kind, "devices": len(sum.Results), "failed": sum.Failed,
		"skipped": len(sum.Skipped), "file": sum.ResultFile,
	}).Info("task finished")
	return 0
}

func serveDashboard(ctx context.Context, addr string, cfg *config.Config, disp *service.Dispatcher, hRepo *repository.HistoryRepo, facts *repository.FactsRepo, log logrus.FieldLogger) int {
	// 看板常驻时每小时清理一次历史
	if cfg.History.RetentionDays > 0 || cfg.History.MaxRows > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := hRepo.Cleanup(cfg.History.RetentionDays, cfg.History.MaxRows); err != nil {
						log.WithError(err).Warn("history cleanup")
					}
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           webapi.NewServer(cfg, disp, hRepo, facts, fs.FS(webui.Assets), log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("dashboard listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("dashboard stopped")
		return 1
	}
	return 0
}
