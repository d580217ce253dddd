package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/k0kubun/pp/v3"
	"github.com/masa23/formd/config"
	"github.com/masa23/formd/entrystore"
	"github.com/masa23/formd/notify"
	"github.com/masa23/formd/objectstorage"
	"github.com/masa23/formd/submission"
)

var (
	conf    *config.Config
	version = "dev"
)

func main() {
	var confPath string
	var showVersion bool
	var entryID uint64
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.Uint64Var(&entryID, "entry", 0, "Entry ID to resend the admin notification for")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}
	if entryID == 0 {
		flag.Usage()
		os.Exit(2)
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

	// logfile
	if conf.LogFile != "" {
		logFd, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Error opening log file: %v", err)
		}
		defer logFd.Close()
		log.SetOutput(logFd)
	}

	db, err := entrystore.Open(conf.Database, conf.Debug)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	storage, err := objectstorage.New(conf.ObjectStorage)
	if err != nil {
		log.Fatalf("Error initializing object storage: %v", err)
	}

	svc := submission.New(submission.Options{
		Forms:   entrystore.NewFormStore(db, conf.AdminEmail),
		Entries: entrystore.New(db, storage),
		Mailer: notify.NewDispatcher(notify.NewSMTP(conf.SMTP), storage, notify.Site{
			Name:              conf.SiteName,
			URL:               conf.SiteURL,
			AdminEmail:        conf.AdminEmail,
			FromMode:          conf.Mail.FromMode,
			EnforceFromDomain: conf.Mail.EnforceDomain(),
		}),
		Debug: conf.Debug,
	})

	res, err := svc.Resend(context.Background(), entryID)
	if err != nil {
		log.Fatalf("Error resending entry %d: %v", entryID, err)
	}
	if conf.Debug {
		log.Println(pp.Sprintf("%v", res))
	}
	if !res.Sent {
		log.Fatalf("Entry %d: admin notification failed: %s", entryID, res.Error)
	}
	log.Printf("Entry %d: admin notification resent", entryID)
}
