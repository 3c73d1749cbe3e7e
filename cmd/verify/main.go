package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Post-run invariant checks against a live queue database. Meant to be run
// after loadgen or a soak test.
func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	maxRunning := flag.Int("max-running", 0, "Expected RUNNING cap (0 skips the check)")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	failed := false
	check := func(name, query string, want int, args ...any) {
		var got int
		if err := pool.QueryRow(ctx, query, args...).Scan(&got); err != nil {
			fmt.Printf("[FAIL] %s: %v\n", name, err)
			failed = true
			return
		}
		if got != want {
			fmt.Printf("[FAIL] %s: %d violation(s)\n", name, got)
			failed = true
			return
		}
		fmt.Printf("[PASS] %s\n", name)
	}

	var totalTasks int
	pool.QueryRow(ctx, "SELECT count(*) FROM caption_tasks").Scan(&totalTasks)
	fmt.Printf("Total tasks in DB: %d\n", totalTasks)

	check("one active task per user",
		`SELECT count(*) FROM (
			SELECT user_id FROM caption_tasks
			WHERE status IN ('QUEUED','RUNNING')
			GROUP BY user_id HAVING count(*) > 1
		) dup`, 0)

	check("retry count within budget",
		`SELECT count(*) FROM caption_tasks WHERE retry_count > max_retries`, 0)

	check("terminal tasks have completed_at",
		`SELECT count(*) FROM caption_tasks
		 WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND completed_at IS NULL`, 0)

	check("running tasks have started_at",
		`SELECT count(*) FROM caption_tasks WHERE status = 'RUNNING' AND started_at IS NULL`, 0)

	check("requeued tasks reference a FAILED source",
		`SELECT count(*) FROM caption_tasks t
		 LEFT JOIN caption_tasks src ON src.id = t.requeued_from
		 WHERE t.requeued_from IS NOT NULL AND (src.id IS NULL OR src.status <> 'FAILED')`, 0)

	check("admin cancellations carry an audit event",
		`SELECT count(*) FROM caption_tasks t
		 WHERE t.cancelled_by_admin
		   AND NOT EXISTS (
			SELECT 1 FROM audit_events a
			WHERE a.task_id = t.id
			  AND a.action IN ('task_cancelled','task_stuck_cleared')
		 )`, 0)

	if *maxRunning > 0 {
		var running int
		if err := pool.QueryRow(ctx, "SELECT count(*) FROM caption_tasks WHERE status = 'RUNNING'").Scan(&running); err != nil {
			fmt.Printf("[FAIL] running count: %v\n", err)
			failed = true
		} else if running > *maxRunning {
			fmt.Printf("[FAIL] %d RUNNING tasks exceed cap %d\n", running, *maxRunning)
			failed = true
		} else {
			fmt.Printf("[PASS] RUNNING count %d within cap %d\n", running, *maxRunning)
		}
	}

	if failed {
		os.Exit(1)
	}
}
