package quota_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kurogane-sec/agentguard/internal/agentguard/quota"
)

func TestConsume_AllowsUntilHourCapThenRejects(t *testing.T) {
	c := quota.New(filepath.Join(t.TempDir(), "send-counters.json"))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		res, err := c.Consume(now, 2, 100)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !res.OK {
			t.Fatalf("consume %d: expected ok, got reason %v", i, res.Reason)
		}
	}

	res, err := c.Consume(now, 2, 100)
	if err != nil {
		t.Fatalf("consume 3rd: %v", err)
	}
	if res.OK {
		t.Fatal("expected 3rd consume to be rejected")
	}
	if res.Reason != quota.ReasonHourLimitExceeded {
		t.Errorf("expected hour_limit_exceeded, got %v", res.Reason)
	}
}

func TestConsume_DayCapIndependentOfHourRollover(t *testing.T) {
	c := quota.New(filepath.Join(t.TempDir(), "send-counters.json"))
	hour1 := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	hour2 := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)

	if res, err := c.Consume(hour1, 100, 2); err != nil || !res.OK {
		t.Fatalf("first consume: ok=%v err=%v", res.OK, err)
	}
	if res, err := c.Consume(hour2, 100, 2); err != nil || !res.OK {
		t.Fatalf("second consume (new hour): ok=%v err=%v", res.OK, err)
	}
	// Same day, hour count reset by rollover, but day cap of 2 now reached.
	res, err := c.Consume(hour2, 100, 2)
	if err != nil {
		t.Fatalf("third consume: %v", err)
	}
	if res.OK {
		t.Fatal("expected day cap to reject third consume")
	}
	if res.Reason != quota.ReasonDayLimitExceeded {
		t.Errorf("expected day_limit_exceeded, got %v", res.Reason)
	}
}

func TestConsume_ConcurrentCallsAreAtomic(t *testing.T) {
	c := quota.New(filepath.Join(t.TempDir(), "send-counters.json"))
	now := time.Now()
	const n = 20
	const hourMax = 7

	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := c.Consume(now, hourMax, 1000)
			if err != nil {
				t.Errorf("consume %d: %v", idx, err)
				return
			}
			results[idx] = res.OK
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, ok := range results {
		if ok {
			allowed++
		}
	}
	if allowed != hourMax {
		t.Errorf("expected exactly %d allowed, got %d", hourMax, allowed)
	}
}

func TestSnapshot_DoesNotMutatePersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "send-counters.json")
	c := quota.New(path)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := c.Consume(now, 100, 100); err != nil {
		t.Fatalf("consume: %v", err)
	}

	tomorrow := now.Add(48 * time.Hour)
	snap, err := c.Snapshot(tomorrow)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.HourCount != 0 || snap.DayCount != 0 {
		t.Errorf("expected zeroed snapshot after rollover, got %+v", snap)
	}

	// Persisted state must be untouched by Snapshot: the first consume is
	// still on record, so an hour cap of 1 rejects the next one.
	res, err := c.Consume(now, 1, 100)
	if err != nil {
		t.Fatalf("consume again: %v", err)
	}
	if res.OK {
		t.Fatal("expected the persisted hour count of 1 to reject a consume under an hour cap of 1")
	}
}
