package main

import (
	"os"
	"strings"

	"mediaingest/pkg/ledger"
	"mediaingest/pkg/logger"
)

// initLedger opens the ledger database named by DB_DSN. The ledger is
// optional: without DB_DSN the server keeps finished runs in memory only.
func initLedger(log *logger.Logger) (*ledger.Store, error) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Info("DB_DSN not set; ledger disabled")
		return nil, nil
	}
	gdb, err := ledger.Open(dsn)
	if err != nil {
		return nil, err
	}
	store := ledger.NewStore(gdb, log)
	// Control schema migrations with env DB_AUTO_MIGRATE (default true).
	if autoMigrate() {
		if err := store.Migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func autoMigrate() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DB_AUTO_MIGRATE")))
	return !(v == "false" || v == "0" || v == "no")
}
