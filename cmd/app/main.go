package main

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/savory-labs/recipebox-back/internal/config"
	"github.com/savory-labs/recipebox-back/internal/db"
	"github.com/savory-labs/recipebox-back/internal/service"
	"github.com/savory-labs/recipebox-back/internal/storage"
	"github.com/savory-labs/recipebox-back/internal/transport"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.NewConfig,
			NewLogger,
			db.NewGormClient,
			storage.NewLocalImageStore,
			func(s *storage.LocalImageStore) storage.ImageStore { return s },
			transport.NewHTTPServer,
		),
		service.Module,
		fx.Invoke(BootstrapAdmin),
		fx.Invoke(func(*transport.HTTPServer) {}),
	)

	app.Run()
}

func NewLogger() (*zap.SugaredLogger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// BootstrapAdmin provisions the superuser account from config, when one is
// configured and missing.
func BootstrapAdmin(cfg *config.Config, users *service.Users, logger *zap.SugaredLogger) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	if err := users.EnsureSuperuser(cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return err
	}
	logger.Infow("admin account ensured", "email", cfg.AdminEmail)
	return nil
}
