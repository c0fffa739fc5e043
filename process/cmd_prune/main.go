package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"mediaingest/pkg/ledger"
	"mediaingest/pkg/logger"
	"mediaingest/process/prune"
)

func main() {
	_ = godotenv.Load()
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	opts, err := prune.ParseFlags(os.Args[1:])
	if err != nil {
		log.Error("invalid flags", "error", err)
		os.Exit(2)
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Error("DB_DSN must be set to run prune")
		os.Exit(2)
	}
	gdb, err := ledger.Open(dsn)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if _, err := prune.Run(context.Background(), ledger.NewStore(gdb, log), opts, os.Stdout); err != nil {
		log.Error("prune failed", "error", err)
		os.Exit(1)
	}
}
