package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrStrategyNotFound 指定 ID 的存量策略不存在。
var ErrStrategyNotFound = errors.New("strategy not found")

// savedStrategyModel 存量策略表。SpecJSON 保存完整策略 JSON 原文。
type savedStrategyModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Name          string         `gorm:"column:name;index"`
	Description   string         `gorm:"column:description"`
	SpecJSON      datatypes.JSON `gorm:"column:spec_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (savedStrategyModel) TableName() string { return "saved_strategies" }

// SavedStrategy 对外暴露的存量策略记录。
type SavedStrategy struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Spec        json.RawMessage `json:"spec"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// SavedStrategyStore 基于 Gorm + SQLite 的存量策略存储。
// 写入前总是重新跑静态校验，带病策略进不了库。
type SavedStrategyStore struct {
	db *gorm.DB
}

// NewSavedStrategyStore 打开（必要时创建）存量策略库。
func NewSavedStrategyStore(path string) (*SavedStrategyStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("saved strategy store: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create strategy store dir failed: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&savedStrategyModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：给并发 HTTP 读留一点余量，同时压低锁竞争。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &SavedStrategyStore{db: db}, nil
}

// Close 关闭底层连接。
func (s *SavedStrategyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create 校验并保存一份新策略，返回生成的记录。
func (s *SavedStrategyStore) Create(ctx context.Context, name, description string, rawSpec []byte) (*SavedStrategy, error) {
	if err := checkSpec(rawSpec); err != nil {
		return nil, err
	}
	now := time.Now()
	row := savedStrategyModel{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(name),
		Description:   strings.TrimSpace(description),
		SpecJSON:      datatypes.JSON(rawSpec),
		CreatedAtUnix: now.UnixMilli(),
		UpdatedAtUnix: now.UnixMilli(),
	}
	if row.Name == "" {
		return nil, fmt.Errorf("策略名称不能为空")
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return rowToSaved(row), nil
}

// Update 改参后重新校验再落库。记录不存在返回 ErrStrategyNotFound。
func (s *SavedStrategyStore) Update(ctx context.Context, id, name, description string, rawSpec []byte) (*SavedStrategy, error) {
	if err := checkSpec(rawSpec); err != nil {
		return nil, err
	}
	var row savedStrategyModel
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStrategyNotFound
		}
		return nil, err
	}
	if name = strings.TrimSpace(name); name != "" {
		row.Name = name
	}
	row.Description = strings.TrimSpace(description)
	row.SpecJSON = datatypes.JSON(rawSpec)
	row.UpdatedAtUnix = time.Now().UnixMilli()
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, err
	}
	return rowToSaved(row), nil
}

// Get 按 ID 读取。
func (s *SavedStrategyStore) Get(ctx context.Context, id string) (*SavedStrategy, error) {
	var row savedStrategyModel
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStrategyNotFound
		}
		return nil, err
	}
	return rowToSaved(row), nil
}

// List 按更新时间倒序返回全部存量策略。
func (s *SavedStrategyStore) List(ctx context.Context) ([]SavedStrategy, error) {
	var rows []savedStrategyModel
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SavedStrategy, 0, len(rows))
	for _, row := range rows {
		out = append(out, *rowToSaved(row))
	}
	return out, nil
}

// Delete 按 ID 删除。删除不存在的记录不视为错误。
func (s *SavedStrategyStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&savedStrategyModel{}, "id = ?", id).Error
}

func checkSpec(rawSpec []byte) error {
	spec, err := ParseSpec(rawSpec)
	if err != nil {
		return err
	}
	if errs := Validate(spec); len(errs) > 0 {
		return &SpecValidationError{Errors: errs}
	}
	return nil
}

func rowToSaved(row savedStrategyModel) *SavedStrategy {
	return &SavedStrategy{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Spec:        json.RawMessage(row.SpecJSON),
		CreatedAt:   time.UnixMilli(row.CreatedAtUnix),
		UpdatedAt:   time.UnixMilli(row.UpdatedAtUnix),
	}
}
