package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"example.com/jit-scheduler/internal/registry"
	"example.com/jit-scheduler/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	log := telemetry.NewLogger(os.Stderr, os.Getenv("LOG_LEVEL"))

	db, err := registry.Open(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	if err := registry.Migrate(db); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	log.Info("migrations applied")
}

/*

psql -U postgres -d jit

\x on
SELECT work_item_key, rule_id, status, scheduled_start, scheduled_end, attempts FROM rule_records;
SELECT work_item_key, from_status, to_status, event, created_at FROM rule_audits ORDER BY created_at;
\x off

*/
