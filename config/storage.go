package config

import (
	"sync"
	"time"
)

// StorageConfig holds object store settings used by the uploader.
type StorageConfig struct {
	Backend         string        `json:"backend"`           // tempshare, minio
	MaxObjectSize   int64         `json:"max_object_size"`   // archives above this are split into parts
	TempShareURL    string        `json:"tempshare_url"`     // upload endpoint
	TempShareDays   int           `json:"tempshare_days"`    // retention requested from TempShare
	PresignExpiry   time.Duration `json:"presign_expiry"`    // minio presigned GET lifetime
	PartContentType string        `json:"part_content_type"` // content type of uploaded parts
}

var StorageConfigInstance *StorageConfig
var storageConfigOnce sync.Once

// InitStorageConfig initializes storage config.
func InitStorageConfig() {
	storageConfigOnce.Do(func() {
		StorageConfigInstance = &StorageConfig{
			Backend:         getEnv("UPLOAD_BACKEND", "tempshare"),
			MaxObjectSize:   getEnvInt64("UPLOAD_MAX_OBJECT_SIZE", 2*1024*1024*1024), // 2GB
			TempShareURL:    getEnv("TEMPSHARE_URL", "https://api.tempshare.su/upload"),
			TempShareDays:   getEnvInt("TEMPSHARE_DURATION", 7),
			PresignExpiry:   getEnvDuration("MINIO_PRESIGN_EXPIRY", 7*24*time.Hour),
			PartContentType: "application/zip",
		}
	})
}
