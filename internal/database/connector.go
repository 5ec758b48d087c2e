package database

import (
	"context"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
	"moff.io/coursewallet/internal/config"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
)

// Connect opens the postgres database holding course progress and migrates
// its tables.
func Connect(ctx context.Context, conf *config.DBCredential) (*gorm.DB, error) {
	cli, err := gorm.Open(postgres.Open(conf.Dsn()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: "course.",
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to pg")
	}
	db, err := cli.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get pg conn")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "ping to pg")
	}
	log.Info("Connected to course postgres...")

	if err := cli.WithContext(ctx).AutoMigrate(&SectionCompletion{}); err != nil {
		return nil, errors.Wrap(err, "autoMigrate tables")
	}
	return cli, nil
}

// Close releases the pool behind cli.
func Close(cli *gorm.DB) {
	if cli == nil {
		return
	}
	if db, err := cli.DB(); err == nil {
		db.Close()
	}
}
