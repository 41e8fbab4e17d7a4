package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/internal/handler"
	"github.com/kage-kao/VK-Music-Saver/internal/mq"
	"github.com/kage-kao/VK-Music-Saver/internal/repo"
	"github.com/kage-kao/VK-Music-Saver/internal/session"
	"github.com/kage-kao/VK-Music-Saver/internal/source"
	"github.com/kage-kao/VK-Music-Saver/internal/storage"
	"github.com/kage-kao/VK-Music-Saver/internal/task"
	"github.com/kage-kao/VK-Music-Saver/internal/tunnel"
	"github.com/kage-kao/VK-Music-Saver/internal/worker"
	"github.com/kage-kao/VK-Music-Saver/router"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// main initializes services and starts the HTTP server.
func main() {
	config.InitConfig()
	cfg := config.AppConfig
	tasks, proxies, closeStores := repo.InitStores()
	defer closeStores()
	repo.InitRedis()
	storage.InitStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisor := tunnel.NewSupervisor(cfg.XrayBin, cfg.XrayConfigDir, cfg.XrayStartGrace, cfg.XrayStopGrace)
	checker := tunnel.NewChecker(cfg.CheckURL, cfg.CheckTimeout, cfg.CheckRetryMax, cfg.CheckRetryDelay)
	manager, err := tunnel.NewManager(ctx, proxies, supervisor, checker)
	if err != nil {
		log.Fatalf("init tunnel manager fail: %v", err)
	}
	manager.Restore(ctx)

	vk := source.NewVK(source.VKOptions{Endpoints: manager})
	sessions := session.NewManager(utils.NewRedisCache(repo.Redis), vk, cfg.SessionTTL)
	engine := task.NewEngine(tasks, vk, storage.Default, sessions, manager, task.OptionsFromConfig())

	var local *task.LocalDispatcher
	switch cfg.DispatchMode {
	case "rabbitmq":
		engine.SetDispatcher(worker.NewRabbitDispatcher())
		defer mq.ClosePublisher()
	default:
		// tasks outlive the request that created them
		local = task.NewLocalDispatcher(ctx, engine.Run, cfg.DownloadWorkerConcurrency, cfg.DownloadRate, cfg.DownloadBurst)
		engine.SetDispatcher(local)
		if err := engine.RecoverInterrupted(ctx); err != nil {
			log.Printf("recover interrupted tasks failed: %v", err)
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router.InitRouter(handler.New(engine, manager, sessions), sessions.Check),
	}
	go func() {
		log.Printf("http server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
	if local != nil {
		local.Wait()
	}
	manager.Shutdown(shutdownCtx)
}
