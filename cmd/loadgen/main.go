package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/queue"
	"vedfolnir-queue/internal/store"
)

var priorities = []models.TaskPriority{
	models.PriorityLow,
	models.PriorityNormal,
	models.PriorityNormal,
	models.PriorityHigh,
	models.PriorityUrgent,
}

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	numUsers := flag.Int("users", 100, "Number of synthetic users")
	numTasks := flag.Int("tasks", 1000, "Number of enqueue attempts")
	workers := flag.Int("workers", 10, "Concurrent enqueuers")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required via -dsn or env")
	}

	ctx := context.Background()
	st, err := store.NewPostgres(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer st.Close()

	log.Printf("Seeding %d users...", *numUsers)
	for i := 1; i <= *numUsers; i++ {
		user := &models.User{
			ID:       int64(i),
			Username: fmt.Sprintf("loadgen-user-%d", i),
			Role:     models.RoleUser,
		}
		if err := st.UpsertUser(ctx, user); err != nil {
			log.Fatalf("Upsert user %d: %v", i, err)
		}
	}

	manager := queue.NewManager(st, queue.Config{}, nil, nil)

	log.Printf("Enqueuing %d tasks across %d users...", *numTasks, *numUsers)
	start := time.Now()

	var enqueued, duplicates, failures int64
	var wg sync.WaitGroup
	perWorker := (*numTasks + *workers - 1) / *workers
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(*seed + int64(w)))
			for i := 0; i < perWorker; i++ {
				settings := fmt.Sprintf(`{"max_length":%d,"loadgen":true}`, 100+r.Intn(400))
				_, err := manager.Enqueue(ctx, queue.EnqueueRequest{
					UserID:               int64(1 + r.Intn(*numUsers)),
					PlatformConnectionID: int64(1 + r.Intn(5)),
					Priority:             priorities[r.Intn(len(priorities))],
					Settings:             json.RawMessage(settings),
				})
				switch {
				case err == nil:
					atomic.AddInt64(&enqueued, 1)
				case errors.Is(err, store.ErrDuplicateActiveTask):
					atomic.AddInt64(&duplicates, 1)
				default:
					atomic.AddInt64(&failures, 1)
					log.Printf("Enqueue error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	log.Printf("Done in %v: %d enqueued, %d duplicate-active rejections, %d failures (%.0f attempts/sec)",
		elapsed, enqueued, duplicates, failures, float64(*numTasks)/elapsed.Seconds())
}
