package commands

import (
	"database/sql"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/db"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// defaultDBPath is used when neither flags nor config name a database
const defaultDBPath = "testorch.db"

// resolveDBPath picks the database path: explicit flag, then config, then
// the default file in the working directory.
func resolveDBPath(dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		return defaultDBPath, nil
	}
	return path, nil
}

// openDatabase opens and migrates the database at dbPath (resolved through
// resolveDBPath). Uses logger.Logger for db operations.
func openDatabase(dbPath string) (*sql.DB, string, error) {
	path, err := resolveDBPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, path, nil
}
