package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mediaingest/pkg/ingest"
	"mediaingest/pkg/logger"
	"mediaingest/pkg/metrics"
	"mediaingest/pkg/sink"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

func main() {
	// .env never overrides variables that are already set
	_ = godotenv.Load()

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
		log.Warn("JWT_SECRET not set, using development secret")
	}
	jwtSecret = []byte(secret)

	// `./mediaingest migrate` creates the ledger tables and exits.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if os.Getenv("DB_DSN") == "" {
			log.Error("DB_DSN is not set; nothing to migrate")
			os.Exit(1)
		}
		if _, err := initLedger(log); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		fmt.Println("migration completed")
		return
	}

	cfg, err := ingest.LoadConfig(os.Getenv("INGEST_CONFIG"))
	if err != nil {
		log.Error("invalid processing config", "error", err)
		os.Exit(1)
	}

	ledgerStore, err := initLedger(log)
	if err != nil {
		log.Error("ledger unavailable", "error", err)
		os.Exit(1)
	}

	var uploadSink sink.Named
	if st := sink.SettingsFromEnv(); st.Kind != "" {
		uploadSink, err = sink.New(context.Background(), st)
		if err != nil {
			log.Error("sink configuration failed", "error", err)
			os.Exit(1)
		}
		defer uploadSink.Close()
		log.Info("upload sink ready", "sink", uploadSink.Name())
	} else {
		log.Warn("no upload sink configured; only dry runs are accepted")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := newServer(serverDeps{
		log:      log,
		cfg:      cfg,
		sink:     uploadSink,
		ledger:   ledgerStore,
		registry: reg,
		metrics:  metrics.NewPrometheusRecorder(reg),
		maxFiles: envInt("MAX_UPLOAD_FILES", 500),
	})

	if os.Getenv("GIN_MODE") == "" && os.Getenv("LOG_MODE") == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	srv.setupRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	log.Info("listening", "port", port)
	if err := r.Run(":" + port); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
