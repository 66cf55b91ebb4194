package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/flowrun/config"
)

// NewMigratorFromConfig creates a migrator for cfg.Database.
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a migrator from the database section.
// For sqlite the Name field is the database file path.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypeSQLite:
		dbURL = BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", "")
	default:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
	})
}

// NewMigratorFromURL creates a migrator from a raw DSN.
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
	})
}
