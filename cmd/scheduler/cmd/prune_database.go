package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common"
	"github.com/ngageoint/scale/internal/common/database"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	schedulerdb "github.com/ngageoint/scale/internal/scheduler/database"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes old task updates and dead letters from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		10000,
		"Number of rows that will be deleted in a single batch")
	cmd.Flags().Duration(
		"expireAfter",
		2*time.Hour,
		"Age after which task updates and dead letters are removed")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	common.ConfigureCommandLineLogging()
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := scalecontext.WithTimeout(scalecontext.Background(), timeout)
	defer cancel()
	db, err := database.Open(ctx, config.Database)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer func() { _ = database.Close(db) }()
	return schedulerdb.PruneDb(ctx, db, batchSize, expireAfter, clock.RealClock{})
}
