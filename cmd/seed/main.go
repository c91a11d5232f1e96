package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/telaclinic/booking-service/internal/booking"
	"github.com/telaclinic/booking-service/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	days := flag.Int("days", 14, "slot horizon in days from today")
	patients := flag.Int("patients", 200, "number of fake patients to insert")
	tz := flag.String("tz", "Asia/Tokyo", "clinic timezone for slot generation")
	flag.Parse()

	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("load timezone %q: %v", *tz, err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedSlots(context.Background(), pool, loc, *days); err != nil {
		log.Fatalf("seed slots: %v", err)
	}
	if err := seedPatients(context.Background(), pool, *patients); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

// seedSlots fills the catalog with the standard daily template starting today.
// Generation is idempotent, so re-running the seed only tops up the horizon.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, loc *time.Location, days int) error {
	repo := booking.NewPgRepository(pool)
	catalog := booking.NewCatalog(repo, loc, zap.NewNop())

	start := time.Now().In(loc)
	end := start.AddDate(0, 0, days-1)

	created, err := catalog.GenerateSlots(ctx, booking.GenerateRequest{
		StartDate: start.Format("2006-01-02"),
		EndDate:   end.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}

	log.Printf("slots seeded: %d created over %d days", created, days)
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 100

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()
			phone := gofakeit.Phone()
			dob := gofakeit.DateRange(
				time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2007, 12, 31, 0, 0, 0, 0, time.UTC),
			)

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, date_of_birth, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now(), now())
			`, id, name, email, phone, dob)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}
