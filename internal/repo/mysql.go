package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/model"
	gormMysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Db *gorm.DB

// autoMigrateAll migrates all database models.
func autoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(&model.DownloadTask{}, &model.Proxy{})
}

// InitMysql initializes the main MySQL connection.
func InitMysql() {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		config.AppConfig.DBUser,
		config.AppConfig.DBPass,
		config.AppConfig.DBHost,
		config.AppConfig.DBPort,
		config.AppConfig.DBName,
	)
	db, err := gorm.Open(gormMysql.Open(dsn), &gorm.Config{})
	if err != nil && isUnknownDatabaseError(err) {
		if createErr := ensureMySQLDatabase(config.AppConfig.DBName); createErr != nil {
			log.Fatal("create mysql database fail", createErr)
		}
		db, err = gorm.Open(gormMysql.Open(dsn), &gorm.Config{})
	}
	if err != nil {
		log.Fatal("init mysql fail", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("get sql db fail", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrateAll(db); err != nil {
		log.Fatal("migrate mysql fail", err)
	}
	log.Println("init mysql success")
	Db = db
}

func isUnknownDatabaseError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1049
	}
	return strings.Contains(strings.ToLower(err.Error()), "unknown database")
}

func ensureMySQLDatabase(dbName string) error {
	dbName = strings.TrimSpace(dbName)
	if dbName == "" {
		return errors.New("empty database name")
	}

	serverDSN := fmt.Sprintf("%s:%s@tcp(%s:%s)/?charset=utf8mb4&parseTime=True&loc=Local",
		config.AppConfig.DBUser,
		config.AppConfig.DBPass,
		config.AppConfig.DBHost,
		config.AppConfig.DBPort,
	)

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return err
	}
	defer serverDB.Close()

	if err = serverDB.Ping(); err != nil {
		return err
	}

	_, err = serverDB.Exec(
		"CREATE DATABASE IF NOT EXISTS " + quoteMySQLIdentifier(dbName) + " CHARACTER SET utf8mb4 COLLATE utf8mb4_general_ci",
	)
	return err
}

func quoteMySQLIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// GormTaskRepo stores tasks in MySQL.
type GormTaskRepo struct {
	db *gorm.DB
}

func NewGormTaskRepo(db *gorm.DB) *GormTaskRepo {
	return &GormTaskRepo{db: db}
}

func (r *GormTaskRepo) Create(ctx context.Context, task *model.DownloadTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *GormTaskRepo) Get(ctx context.Context, id string) (*model.DownloadTask, error) {
	var task model.DownloadTask
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (r *GormTaskRepo) Update(ctx context.Context, id string, fn func(task *model.DownloadTask) error) (*model.DownloadTask, error) {
	var out model.DownloadTask
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task model.DownloadTask
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrNotFound
			}
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		if err := tx.Save(&task).Error; err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *GormTaskRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.DownloadTask{}).Error
}

func (r *GormTaskRepo) ListBySession(ctx context.Context, sessionID string, activeOnly bool) ([]*model.DownloadTask, error) {
	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if activeOnly {
		query = query.Where("status IN ?", activeStatuses())
	}
	var tasks []*model.DownloadTask
	err := query.Order("created_at DESC").Order("id DESC").Find(&tasks).Error
	return tasks, err
}

func (r *GormTaskRepo) ListByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.DownloadTask, error) {
	var tasks []*model.DownloadTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// GormProxyRepo stores proxies in MySQL.
type GormProxyRepo struct {
	db *gorm.DB
}

func NewGormProxyRepo(db *gorm.DB) *GormProxyRepo {
	return &GormProxyRepo{db: db}
}

func (r *GormProxyRepo) Create(ctx context.Context, proxy *model.Proxy) error {
	return r.db.WithContext(ctx).Create(proxy).Error
}

func (r *GormProxyRepo) Save(ctx context.Context, proxy *model.Proxy) error {
	return r.db.WithContext(ctx).Save(proxy).Error
}

func (r *GormProxyRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Proxy{}).Error
}

func (r *GormProxyRepo) List(ctx context.Context) ([]*model.Proxy, error) {
	var proxies []*model.Proxy
	err := r.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&proxies).Error
	return proxies, err
}
