package commands

import (
	"database/sql"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/db"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
)

// openDatabase opens and migrates the database named by database.path.
func openDatabase() (*sql.DB, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	path := cfg.Database.Path
	if path == "" {
		path = "jobsvc.db"
	}

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
