package service

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/savory-labs/recipebox-back/internal/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// shared cache keeps gorm's pooled connections on the same in-memory DB
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	return conn
}

func newTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func createTestUser(t *testing.T, conn *gorm.DB, email string) *db.User {
	t.Helper()

	user := db.User{
		Email:    email,
		Password: "irrelevant-hash",
		Token:    uuid.New().String(),
		IsActive: true,
	}
	require.NoError(t, conn.Create(&user).Error)
	return &user
}
