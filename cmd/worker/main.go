package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/internal/repo"
	"github.com/kage-kao/VK-Music-Saver/internal/session"
	"github.com/kage-kao/VK-Music-Saver/internal/source"
	"github.com/kage-kao/VK-Music-Saver/internal/storage"
	"github.com/kage-kao/VK-Music-Saver/internal/task"
	"github.com/kage-kao/VK-Music-Saver/internal/tunnel"
	"github.com/kage-kao/VK-Music-Saver/internal/worker"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

func main() {
	config.InitConfig()
	tasks, proxies, closeStores := repo.InitStores()
	defer closeStores()
	repo.InitRedis()
	storage.InitStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// forwarders run in the API process; read their ports from the store
	endpoints := tunnel.NewStoreEndpoints(proxies)
	vk := source.NewVK(source.VKOptions{Endpoints: endpoints})
	sessions := session.NewManager(utils.NewRedisCache(repo.Redis), vk, config.AppConfig.SessionTTL)
	engine := task.NewEngine(tasks, vk, storage.Default, sessions, endpoints, task.OptionsFromConfig())
	engine.SetDispatcher(worker.NewRabbitDispatcher())

	log.Println("download worker started")
	if err := worker.RunDownloadWorker(ctx, engine.Run); err != nil {
		log.Fatalf("download worker stopped: %v", err)
	}
}
