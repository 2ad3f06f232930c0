package database

import (
	"log"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// InitDatabase opens the SQLite database at the given path.
// TranslateError is required so unique-constraint violations surface as
// gorm.ErrDuplicatedKey (the sensor directory relies on it).
func InitDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	log.Println("Database connection established")
	return db, nil
}

// sqliteDSN appends connection-level pragmas to the path. SQLite pragmas are
// per-connection: a one-shot Exec would only configure whichever pooled
// connection happened to run it, and every other connection database/sql
// opens would silently skip foreign-key enforcement — the ON DELETE CASCADE
// on measurements never fires there. Encoding them in the DSN applies them
// to every connection the pool opens.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// AutoMigrate runs database migrations for the provided models
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	return db.AutoMigrate(models...)
}
