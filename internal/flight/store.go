package flight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrRegistrationNotFound is returned when no active registration exists
// for a device serial.
var ErrRegistrationNotFound = errors.New("no active registration for device")

// DeviceRegistration binds a physical device to its owning identity for
// one race/group. Owned by the external registry; this service reads it
// and only writes to deactivate expired rows.
type DeviceRegistration struct {
	DeviceID     string    `gorm:"index:idx_device_active;not null"`
	OwnerID      string    `gorm:"not null"`
	GroupID      string    `gorm:"not null"`
	SessionToken string    `gorm:"not null"`
	Active       bool      `gorm:"index:idx_device_active;not null"`
	ExpiresAt    time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
	ID           uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for DeviceRegistration model.
func (DeviceRegistration) TableName() string {
	return "device_registrations"
}

// RegistrationStore is the read interface onto the external registry.
type RegistrationStore interface {
	// FindActiveRegistration returns the active registration for the
	// exact device serial, or ErrRegistrationNotFound.
	FindActiveRegistration(ctx context.Context, deviceID string) (*DeviceRegistration, error)

	// DeactivateRegistration clears the active flag for a device whose
	// registration has expired.
	DeactivateRegistration(ctx context.Context, deviceID string) error
}

// StoreConfig holds the database configuration for the gorm-backed store.
type StoreConfig struct {
	Logger   *slog.Logger
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// GormStore is the postgres-backed RegistrationStore.
type GormStore struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewGormStore connects to postgres and runs migrations.
func NewGormStore(cfg *StoreConfig) (*GormStore, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Host == "" {
		return nil, errors.New("database host cannot be empty")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("database port must be positive")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	cfg.Logger.Info("connecting to registration database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.AutoMigrate(&DeviceRegistration{}); err != nil {
		return nil, fmt.Errorf("auto-migration failed: %w", err)
	}

	cfg.Logger.Info("registration database ready")
	return &GormStore{logger: cfg.Logger, db: db}, nil
}

// NewGormStoreFromDB wraps an existing gorm handle; used by tests.
func NewGormStoreFromDB(logger *slog.Logger, db *gorm.DB) *GormStore {
	return &GormStore{logger: logger, db: db}
}

// FindActiveRegistration implements RegistrationStore.
func (s *GormStore) FindActiveRegistration(ctx context.Context, deviceID string) (*DeviceRegistration, error) {
	var reg DeviceRegistration
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND active = ?", deviceID, true).
		Order("created_at DESC").
		First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registration lookup failed: %w", err)
	}
	return &reg, nil
}

// DeactivateRegistration implements RegistrationStore.
func (s *GormStore) DeactivateRegistration(ctx context.Context, deviceID string) error {
	err := s.db.WithContext(ctx).
		Model(&DeviceRegistration{}).
		Where("device_id = ? AND active = ?", deviceID, true).
		Update("active", false).Error
	if err != nil {
		return fmt.Errorf("registration deactivation failed: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

// serialVariants lists the lookup candidates for a wire-format device
// serial: the literal form, the form without leading zeros, and for short
// serials the zero-padded BCD widths. Field hardware is inconsistent
// about leading zeros.
func serialVariants(deviceID string) []string {
	variants := []string{deviceID}

	trimmed := strings.TrimLeft(deviceID, "0")
	if trimmed != "" && trimmed != deviceID {
		variants = append(variants, trimmed)
	}

	for _, width := range []int{12, 20} {
		if len(deviceID) < width {
			padded := strings.Repeat("0", width-len(deviceID)) + deviceID
			variants = append(variants, padded)
		}
	}
	return variants
}
