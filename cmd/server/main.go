package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"webstead/pkg/api"
	"webstead/pkg/indieauth"
	"webstead/pkg/storage"
	"webstead/pkg/storage/memdb"
	"webstead/pkg/storage/postgres"
	"webstead/pkg/webmention"
)

type Config struct {
	LogLevel string `toml:"logLevel"`
	HTTPAddr string `toml:"httpAddr"`

	// SiteURL is the public base URL of this site, no trailing slash.
	SiteURL       string   `toml:"siteURL"`
	AllowedMeURLs []string `toml:"allowedMeURLs"`
	// AllowLoopbackClients permits localhost client_id URLs; development only.
	AllowLoopbackClients bool `toml:"allowLoopbackClients"`

	// Requests per minute; zero disables the limiter.
	MentionRateLimit  int `toml:"mentionRateLimit"`
	MicropubRateLimit int `toml:"micropubRateLimit"`

	VerifyWorkers int `toml:"verifyWorkers"`
	VerifyRetries int `toml:"verifyRetries"`

	KafkaBrokers []string `toml:"kafkaBrokers"`
	KafkaTopic   string   `toml:"kafkaTopic"`
}

func main() {
	var (
		sdb        storage.Storage
		dev        bool
		httpAddr   string
		logLevel   string
		configPath string
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	flag.BoolVar(&dev, "dev", false, "Run the server in development mode with in-memory DB.")
	flag.StringVar(&httpAddr, "http", "", "HTTP server address in the form 'host:port'.")
	flag.StringVar(&logLevel, "log", "", "Log level: debug, info, warn, error.")
	flag.StringVar(&configPath, "config", "cmd/server/config.toml", "Path to TOML config file")
	flag.Parse()

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		log.Fatalf("[server] failed to load config file %s: %v", configPath, err)
	}

	// Override config with flags if set
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8077"
	}
	if !strings.Contains(cfg.HTTPAddr, ":") {
		log.Warn("use ':' before port number, e.g. ':8080'")
	}
	cfg.SiteURL = strings.TrimSuffix(cfg.SiteURL, "/")
	if cfg.SiteURL == "" {
		log.Fatal("[server] siteURL must be set")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	}

	switch dev {
	case false:
		conf := postgres.Config{
			User:     "postgres",
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Host:     os.Getenv("POSTGRES_HOST"),
			Port:     os.Getenv("POSTGRES_PORT"),
			DBName:   "webstead",
		}
		if !conf.IsValid() {
			log.Fatal(fmt.Errorf("invalid postgres config: %+v", conf))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db, err := postgres.New(ctx, conf.ConString())
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()

		err = db.Ping(ctx)
		if err != nil {
			log.Fatal(fmt.Errorf("%w: %v", storage.ErrDBNotResponding, err))
		}
		log.Infof("connected to postgres: %s", conf)
		sdb = db

	case true:
		log.Info("Run server with in memory DB")
		sdb = memdb.New()
	}

	auth := indieauth.New(sdb, indieauth.Config{
		Issuer:               cfg.SiteURL,
		AllowedMeURLs:        cfg.AllowedMeURLs,
		AllowLoopbackClients: cfg.AllowLoopbackClients,
	})

	verifier := webmention.NewVerifier(sdb, webmention.Config{
		NumWorkers: cfg.VerifyWorkers,
		MaxRetries: cfg.VerifyRetries,
	})
	receiver, err := webmention.NewReceiver(sdb, verifier, cfg.SiteURL)
	if err != nil {
		log.Fatalf("[server] invalid siteURL %q: %v", cfg.SiteURL, err)
	}

	var kw *kafka.Writer
	if len(cfg.KafkaBrokers) > 0 {
		kw = &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.KafkaTopic,
			Balancer: &kafka.LeastBytes{},
		}
		defer kw.Close()
	}

	verifyCtx, stopVerify := context.WithCancel(context.Background())
	verifier.Run(verifyCtx)

	a := api.New(api.Config{
		ServiceName:       "webstead",
		SiteURL:           cfg.SiteURL,
		MentionRateLimit:  cfg.MentionRateLimit,
		MicropubRateLimit: cfg.MicropubRateLimit,
	}, sdb, auth, receiver, kw)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: a.Router,
	}

	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
		log.Info("Stopped serving new connections")
	}()
	log.Infof("[server] serving %s on %s", cfg.SiteURL, cfg.HTTPAddr)

	<-sigChan

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP shutdown error: %v", err)
	}

	// Let queued verifications drain before the workers stop.
	verifier.Stop()
	stopVerify()
	log.Info("Server stopped")
}
