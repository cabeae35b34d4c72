package quota

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedTierResolver string

func (f fixedTierResolver) ResolveTier(ctx context.Context, userID string) (string, error) {
	return string(f), nil
}

func newTestEngine(t *testing.T, tierName string) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, fixedTierResolver(tierName), testLogger()), mr
}

func TestCheckAllowsWithinWindow(t *testing.T) {
	engine, _ := newTestEngine(t, "free")
	ctx := context.Background()

	decision, plan, err := engine.Check(ctx, "user-1", "quality_analysis", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed, got %+v", decision)
	}
	if plan != nil {
		t.Fatalf("expected no degradation plan, got %+v", plan)
	}
}

func TestCheckDeniesAfterExhaustingBurst(t *testing.T) {
	engine, _ := newTestEngine(t, "free")
	ctx := context.Background()

	// free tier's quality_analysis caps bursts at 3 requests within 60s,
	// well below its 10-per-hour steady-state limit, so a rapid-fire
	// caller hits the burst cap first.
	var lastDecision Decision
	for i := 0; i < 4; i++ {
		d, _, err := engine.Check(ctx, "user-2", "quality_analysis", 1, false)
		if err != nil {
			t.Fatalf("Check iteration %d: %v", i, err)
		}
		lastDecision = d
	}
	if lastDecision.Allowed {
		t.Fatal("expected the 4th rapid request to be denied by the burst cap")
	}
}

func TestCheckDegradesGracefullyWhenEligible(t *testing.T) {
	engine, _ := newTestEngine(t, "free")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := engine.Check(ctx, "user-3", "quality_analysis", 1, true); err != nil {
			t.Fatalf("Check iteration %d: %v", i, err)
		}
	}

	decision, plan, err := engine.Check(ctx, "user-3", "quality_analysis", 1, true)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial before degradation is applied")
	}
	if plan == nil {
		t.Fatal("expected a degradation plan for quality_analysis")
	}
}

func TestCheckUnlimitedTierShortCircuits(t *testing.T) {
	engine, _ := newTestEngine(t, "enterprise")
	ctx := context.Background()

	decision, _, err := engine.Check(ctx, "user-4", "code_generation", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected unlimited enterprise quota to always allow")
	}
}

func TestCheckFailsOpenWhenRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	engine := New(client, fixedTierResolver("free"), testLogger())
	mr.Close() // simulate redis becoming unreachable

	decision, _, err := engine.Check(context.Background(), "user-5", "session_create", 1, false)
	if err != nil {
		t.Fatalf("Check should fail open without error, got %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected fail-open to allow the request")
	}
}

func TestLocalFallbackUsedWithoutRedisClient(t *testing.T) {
	engine := New(nil, fixedTierResolver("free"), testLogger())
	decision, _, err := engine.Check(context.Background(), "user-6", "session_create", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected first local-fallback request to be allowed")
	}
}
