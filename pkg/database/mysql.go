// Package database 负责创建 MySQL、Redis 与 MongoDB 连接。
package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"abroad-docs-go/internal/model"
	"abroad-docs-go/pkg/log"
)

// NewMySQL 打开 MySQL 连接并迁移处理任务台账表。
func NewMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&model.ProcessingJob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate processing_jobs: %w", err)
	}

	log.Info("[Database] MySQL database connected successfully")
	return db, nil
}
