package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/masa23/formd/config"
	"github.com/masa23/formd/entrystore"
	"github.com/masa23/formd/gate"
	"github.com/masa23/formd/notify"
	"github.com/masa23/formd/objectstorage"
	"github.com/masa23/formd/submission"
	"github.com/masa23/formd/upload"
	"github.com/masa23/formd/validate"
	"gorm.io/gorm"
)

var (
	conf    *config.Config
	db      *gorm.DB
	storage objectstorage.Storage
	version = "dev"

	forms      *entrystore.FormStore
	entries    *entrystore.Store
	tokens     *gate.TokenIssuer
	limiter    *gate.RateLimiter
	verifier   gate.Verifier
	uploads    *upload.Processor
	dispatcher *notify.Dispatcher
	service    *submission.Service
)

// initServices wires the submission pipeline from conf, db and storage.
func initServices(transport notify.Transport) {
	secret := conf.Security.CSRFSecret
	if secret == "" {
		// 再起動すると発行済みトークンは無効になる
		log.Printf("Security.CSRFSecret is not set, using a random secret")
		secret = uuid.NewString()
	}
	tokens = gate.NewTokenIssuer(secret, time.Duration(conf.Security.TokenMaxAge)*time.Minute)
	limiter = gate.NewRateLimiter(*conf.Security.RateLimit, time.Duration(conf.Security.RateWindowMinutes)*time.Minute)
	verifier = gate.NewVerifier(conf.Recaptcha, conf.Debug)

	forms = entrystore.NewFormStore(db, conf.AdminEmail)
	entries = entrystore.New(db, storage)
	uploads = upload.New(storage, upload.Limits{
		AllowedExtensions: conf.Uploads.Extensions(),
		MaxFileMB:         conf.Uploads.MaxFileMB,
		MaxFiles:          conf.Uploads.MaxFiles,
	}, conf.Uploads.Prefix)
	dispatcher = notify.NewDispatcher(transport, storage, notify.Site{
		Name:              conf.SiteName,
		URL:               conf.SiteURL,
		AdminEmail:        conf.AdminEmail,
		FromMode:          conf.Mail.FromMode,
		EnforceFromDomain: conf.Mail.EnforceDomain(),
	})

	service = submission.New(submission.Options{
		Gate: gate.New(gate.Options{
			Tokens:     tokens,
			Limiter:    limiter,
			Verifier:   verifier,
			MinSeconds: *conf.Security.MinSeconds,
			AdminEmail: conf.AdminEmail,
		}),
		Forms:   forms,
		Entries: entries,
		Uploads: uploads,
		Mailer:  dispatcher,
		Diagnostics: validate.Diagnostics{
			Site:          conf.SiteName,
			SiteURL:       conf.SiteURL,
			Version:       version,
			StorageDriver: storage.Driver(),
			MailDriver:    transport.Name(),
		},
		StoreIP:        conf.Security.KeepIP(),
		StoreUserAgent: conf.Security.KeepUserAgent(),
		Debug:          conf.Debug,
	})
}

func main() {
	var confPath string
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	var err error
	conf, err = config.Load(confPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if conf.LogFile != "" {
		logFd, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFd.Close()
		log.SetOutput(logFd)
	}

	db, err = entrystore.Open(conf.Database, conf.Debug)
	if err != nil {
		log.Fatalf("DB connection failed: %v", err)
	}

	storage, err = objectstorage.New(conf.ObjectStorage)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	initServices(notify.NewSMTP(conf.SMTP))
	defer limiter.Close()

	if conf.FormsFile != "" {
		n, err := forms.Seed(context.Background(), conf.FormsFile)
		if err != nil {
			log.Fatalf("Failed to load forms from %s: %v", conf.FormsFile, err)
		}
		log.Printf("Loaded %d forms from %s", n, conf.FormsFile)
	}

	go func() {
		metrics := echo.New()
		metrics.HideBanner = true
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(conf.MetricsListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()

	e := newServer()
	e.Logger.Fatal(e.Start(conf.Listen))
}
