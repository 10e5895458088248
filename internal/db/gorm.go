package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/savory-labs/recipebox-back/internal/config"
)

type (
	GormForkedModel struct {
		ID        uint64 `gorm:"primarykey"`
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	User struct {
		GormForkedModel
		Email       string `gorm:"unique;not null"`
		Name        string
		Password    string `gorm:"not null"`
		Token       string `gorm:"not null;index"`
		IsActive    bool   `gorm:"not null;default:true"`
		IsStaff     bool   `gorm:"not null;default:false"`
		IsSuperuser bool   `gorm:"not null;default:false"`
		Recipes     []Recipe
		Tags        []Tag
		Ingredients []Ingredient
	}

	Recipe struct {
		GormForkedModel
		Title       string          `gorm:"not null"`
		TimeMinutes uint            `gorm:"not null"`
		Price       decimal.Decimal `gorm:"not null"`
		Description *string
		Link        *string
		ImagePath   *string
		UserID      uint64 `gorm:"not null;index"`
		User        User
		Tags        []Tag        `gorm:"many2many:recipe_tags;"`
		Ingredients []Ingredient `gorm:"many2many:recipe_ingredients;"`
	}

	Tag struct {
		GormForkedModel
		Name    string   `gorm:"not null;uniqueIndex:uidx_tag_name_user_id"`
		UserID  uint64   `gorm:"not null;uniqueIndex:uidx_tag_name_user_id"`
		User    User
		Recipes []Recipe `gorm:"many2many:recipe_tags;"`
	}

	Ingredient struct {
		GormForkedModel
		Name    string   `gorm:"not null;uniqueIndex:uidx_ingredient_name_user_id"`
		UserID  uint64   `gorm:"not null;uniqueIndex:uidx_ingredient_name_user_id"`
		User    User
		Recipes []Recipe `gorm:"many2many:recipe_ingredients;"`
	}
)

func Migrate(db *gorm.DB) error {
	for _, model := range []interface{}{&User{}, &Tag{}, &Ingredient{}, &Recipe{}} {
		if err := db.AutoMigrate(model); err != nil {
			return errors.Wrapf(err, "migrate %T", model)
		}
	}
	return nil
}

func NewGormClient(cfg *config.Config) (*gorm.DB, error) {
	newLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Info,
		Colorful:                  true,
		IgnoreRecordNotFoundError: false,
	})

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}
