package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ngageoint/scale/internal/common"
	"github.com/ngageoint/scale/internal/common/database"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	schedulerdb "github.com/ngageoint/scale/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the scheduler database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	common.ConfigureCommandLineLogging()
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning scheduler database migration")
	ctx := scalecontext.Background()
	db, err := database.Open(ctx, config.Database)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer func() { _ = database.Close(db) }()
	err = schedulerdb.Migrate(ctx, db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate scheduler database")
	}
	log.Infof("Scheduler database migrated in %s", time.Since(start))
	return nil
}
