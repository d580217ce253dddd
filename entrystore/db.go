package entrystore

import (
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/masa23/formd/model"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to dsn and migrates the schema. A dsn starting with "sqlite:"
// opens a sqlite database, anything else is handed to the mysql driver.
func Open(dsn string, debug bool) (*gorm.DB, error) {
	level := logger.Silent
	if debug {
		level = logger.Info
	}

	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = mysql.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, err
	}
	if err := model.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
