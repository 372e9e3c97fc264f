// Command scheduler is the Scale scheduler. "run" matches queued jobs to cluster offers and launches their tasks,
// "migrateDatabase" and "pruneDatabase" maintain the scheduler's Postgres schema.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/ngageoint/scale/cmd/scheduler/cmd"
	"github.com/ngageoint/scale/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	if err := cmd.RootCmd().Execute(); err != nil {
		log.WithError(err).Error("scheduler exited")
		os.Exit(1)
	}
}
