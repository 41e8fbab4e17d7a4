package repo

import (
	"context"
	"fmt"
	"log"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/redis/go-redis/v9"
)

var Redis *redis.Client

// InitRedis initializes Redis client.
func InitRedis() {
	RedisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.AppConfig.RedisHost, config.AppConfig.RedisPort),
		Password: config.AppConfig.RedisPassword,
		DB:       config.AppConfig.RedisDB,
	})
	_, err := RedisClient.Ping(context.Background()).Result()
	if err != nil {
		log.Fatal("init redis fail", err)
	}
	log.Println("init redis success")
	Redis = RedisClient
}
