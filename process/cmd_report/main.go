package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"mediaingest/pkg/ledger"
	"mediaingest/pkg/logger"
	"mediaingest/process/report"
)

func main() {
	_ = godotenv.Load()
	days := flag.Int("days", 7, "how many days back to report")
	list := flag.Bool("list", false, "list matching runs")
	limit := flag.Int("limit", 50, "maximum runs to list")
	flag.Parse()

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "DB_DSN not set; export DB_DSN and retry")
		os.Exit(2)
	}
	gdb, err := ledger.Open(dsn)
	if err != nil {
		log.Error("open db failed", "error", err)
		os.Exit(1)
	}
	opts := report.Options{Days: *days, List: *list, Limit: *limit}
	if err := report.RunReport(context.Background(), ledger.NewStore(gdb, log), opts, os.Stdout); err != nil {
		log.Error("report failed", "error", err)
		os.Exit(1)
	}
}
