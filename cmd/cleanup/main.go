package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/masa23/formd/config"
	"github.com/masa23/formd/entrystore"
	"github.com/masa23/formd/model"
	"github.com/masa23/formd/objectstorage"
)

var (
	conf    *config.Config
	version = "dev"
)

// Purger deletes entries together with their uploaded files.
type Purger interface {
	DeleteOlderThan(ctx context.Context, days int) (int, error)
	DeleteByStatus(ctx context.Context, status model.Status) (int, error)
}

// cleanup applies the retention policy and, when spam is set, removes entries marked as spam.
func cleanup(ctx context.Context, p Purger, days int, spam bool) error {
	if days > 0 {
		n, err := p.DeleteOlderThan(ctx, days)
		if err != nil {
			return err
		}
		log.Printf("Deleted %d entries older than %d days", n, days)
	} else {
		log.Printf("Retention is disabled, keeping all entries")
	}

	if spam {
		n, err := p.DeleteByStatus(ctx, model.StatusSpam)
		if err != nil {
			return err
		}
		log.Printf("Deleted %d spam entries", n)
	}
	return nil
}

func main() {
	var confPath string
	var showVersion bool
	var days int
	var spam bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.IntVar(&days, "days", -1, "Delete entries older than this many days (default: RetentionDays from config)")
	flag.BoolVar(&spam, "spam", false, "Delete entries with status spam")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	exePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}

	dir := filepath.Dir(exePath)
	if err := os.Chdir(dir); err != nil {
		log.Fatal(err)
	}

	conf, err = config.Load(confPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if days < 0 {
		days = conf.RetentionDays
	}

	db, err := entrystore.Open(conf.Database, conf.Debug)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	storage, err := objectstorage.New(conf.ObjectStorage)
	if err != nil {
		log.Fatalf("Error initializing object storage: %v", err)
	}

	if err := cleanup(context.Background(), entrystore.New(db, storage), days, spam); err != nil {
		log.Fatalf("Error cleaning up entries: %v", err)
	}
}
