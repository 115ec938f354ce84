package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"propflow/otp"
	"propflow/test/actors"
	"propflow/test/chaos"
	"propflow/test/infra"
	"propflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// TestLifecycleConcurrency hammers the reservation and verification paths
// with competing writers and a chaos killer, asserting the pairing and
// uniqueness invariants with SQL oracles while the fight is in progress.
func TestLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("PROPFLOW_STRESS_PG_DSN") != "":
		dsn = os.Getenv("PROPFLOW_STRESS_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// hold placers and sweepers battling over the same listing
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.HoldPlacer(ctx2, pool, seedData.propertyID, seedData.offerID, seedData.buyerID, stop)
		})
		g.Go(func() error { return actors.SweeperRacer(ctx2, pool, stop) })
	}

	g.Go(func() error { return actors.HoldCloser(ctx2, pool, seedData.buyerID, stop) })
	g.Go(func() error {
		return actors.VisitVerifier(ctx2, pool, seedData.visitID, seedData.otpRecordID, stop)
	})
	g.Go(func() error {
		return actors.VisitVerifier(ctx2, pool, seedData.visitID, seedData.otpRecordID, stop)
	})
	g.Go(func() error {
		return actors.AssignmentRequester(ctx2, pool, seedData.secondPropertyID, seedData.agentID, stop)
	})
	g.Go(func() error {
		return actors.AssignmentRequester(ctx2, pool, seedData.secondPropertyID, seedData.agentID, stop)
	})
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })

	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	sellerID         string
	agentID          string
	buyerID          string
	propertyID       string
	secondPropertyID string
	offerID          string
	visitID          string
	otpRecordID      string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	newUser := func(role string) string {
		var id string
		err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role, status)
                                   VALUES ($1,'Stress User','x',$2,'ACTIVE') RETURNING id`,
			fmt.Sprintf("u%d@example.com", rand.Int63()), role).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s user: %v", role, err)
		}
		return id
	}
	s.sellerID = newUser("USER")
	s.agentID = newUser("AGENT")
	s.buyerID = newUser("USER")

	newProperty := func() string {
		var id string
		err := pool.QueryRow(ctx, `INSERT INTO properties (seller_id, agent_id, title, address, lat, lng, price, status)
                                   VALUES ($1,$2,'Stress Flat','1 Marina Rd',6.5244,3.3792,50000000,'ACTIVE') RETURNING id`,
			s.sellerID, s.agentID).Scan(&id)
		if err != nil {
			t.Fatalf("seed property: %v", err)
		}
		return id
	}
	s.propertyID = newProperty()
	s.secondPropertyID = newProperty()

	if err := pool.QueryRow(ctx, `INSERT INTO offers (property_id, buyer_id, amount, token_amount, status)
                                  VALUES ($1,$2,48000000,2000000,'accepted') RETURNING id`,
		s.propertyID, s.buyerID).Scan(&s.offerID); err != nil {
		t.Fatalf("seed offer: %v", err)
	}

	if err := pool.QueryRow(ctx, `INSERT INTO visits (property_id, buyer_id, agent_id, scheduled_at, status, checkin_lat, checkin_lng, checkin_distance_m, checked_in_at)
                                  VALUES ($1,$2,$3,now(),'CHECKED_IN',6.5244,3.3792,12.5,now()) RETURNING id`,
		s.propertyID, s.buyerID, s.agentID).Scan(&s.visitID); err != nil {
		t.Fatalf("seed visit: %v", err)
	}

	if err := pool.QueryRow(ctx, `INSERT INTO otp_codes (purpose, subject_id, code_hash, max_attempts, expires_at, consumed_at)
                                  VALUES ('VISIT_COMPLETION',$1,$2,5,now() + interval '10 minutes',now()) RETURNING id`,
		s.visitID, otp.HashCode("654321")).Scan(&s.otpRecordID); err != nil {
		t.Fatalf("seed otp record: %v", err)
	}

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"reservations", `SELECT id, property_id, status, reserved_until FROM reservations ORDER BY created_at DESC LIMIT 50`},
		{"properties", `SELECT id, status, updated_at FROM properties ORDER BY updated_at DESC LIMIT 10`},
		{"audit_logs", `SELECT id, entity_type, entity_id, type, from_status, to_status, actor FROM audit_logs ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, published_at, created_at FROM outbox ORDER BY id DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
