package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/domain/quota"
)

// RecordStore tests

func TestRecordStore_GetDefault(t *testing.T) {
	store := memory.NewRecordStore(0)
	rec, err := store.Get(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != quota.StateActive || rec.Version != 0 || rec.AccountID != "acct" {
		t.Errorf("Get = %+v, want implicit ACTIVE v0", rec)
	}
	if store.Len() != 0 {
		t.Error("Get should not persist the implicit record")
	}
}

func TestRecordStore_SaveBumpsVersion(t *testing.T) {
	store := memory.NewRecordStore(4)
	ctx := context.Background()

	rec, _ := store.Get(ctx, "acct")
	rec.State = quota.StateWarn
	saved, err := store.Save(ctx, rec)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("Version = %d, want 1", saved.Version)
	}

	got, _ := store.Get(ctx, "acct")
	if got.State != quota.StateWarn || got.Version != 1 {
		t.Errorf("Get = %+v", got)
	}
}

func TestRecordStore_StaleVersionConflicts(t *testing.T) {
	store := memory.NewRecordStore(0)
	ctx := context.Background()

	a, _ := store.Get(ctx, "acct")
	b, _ := store.Get(ctx, "acct")

	if _, err := store.Save(ctx, a); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	_, err := store.Save(ctx, b)
	if !errors.Is(err, quota.ErrTransitionConflict) {
		t.Errorf("second Save error = %v, want ErrTransitionConflict", err)
	}
}

func TestRecordStore_ConcurrentSavesSerialize(t *testing.T) {
	store := memory.NewRecordStore(0)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, _ := store.Get(ctx, "acct")
				if _, err := store.Save(ctx, rec); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, _ := store.Get(ctx, "acct")
	if rec.Version != 50 || successes != 50 {
		t.Errorf("Version = %d successes = %d, want 50", rec.Version, successes)
	}
}

func TestRecordStore_GetReturnsSnapshot(t *testing.T) {
	store := memory.NewRecordStore(0)
	ctx := context.Background()

	rec := quota.NewRecord("acct")
	rec.TriggeredMetrics = []quota.Utilization{{Metric: quota.MetricLogs, Used: 1}}
	store.Save(ctx, rec)

	got, _ := store.Get(ctx, "acct")
	got.TriggeredMetrics[0].Used = 99

	again, _ := store.Get(ctx, "acct")
	if again.TriggeredMetrics[0].Used != 1 {
		t.Error("Get exposed stored slice")
	}
}

func TestRecordStore_RequiresAccount(t *testing.T) {
	store := memory.NewRecordStore(0)
	if _, err := store.Save(context.Background(), quota.Record{}); !errors.Is(err, quota.ErrAccountRequired) {
		t.Errorf("error = %v, want ErrAccountRequired", err)
	}
}

// EventLog tests

func TestEventLog_ListNewestFirst(t *testing.T) {
	log := memory.NewEventLog(0)
	ctx := context.Background()

	log.Append(ctx, quota.Transition{AccountID: "acct", From: quota.StateActive, To: quota.StateWarn, At: baseTime})
	log.Append(ctx, quota.Transition{AccountID: "acct", From: quota.StateWarn, To: quota.StateGrace, At: baseTime.Add(1)})
	log.Append(ctx, quota.Transition{AccountID: "other", From: quota.StateActive, To: quota.StateWarn, At: baseTime})

	got, err := log.List(ctx, "acct", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].To != quota.StateGrace || got[1].To != quota.StateWarn {
		t.Errorf("order = %s, %s, want GRACE, WARN", got[0].To, got[1].To)
	}
}

func TestEventLog_Capacity(t *testing.T) {
	log := memory.NewEventLog(3)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		log.Append(ctx, quota.Transition{AccountID: "acct", Percentage: float64(i)})
	}

	got, _ := log.List(ctx, "acct", 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Percentage != 9 || got[2].Percentage != 7 {
		t.Errorf("kept %v..%v, want 9..7", got[0].Percentage, got[2].Percentage)
	}

	limited, _ := log.List(ctx, "acct", 2)
	if len(limited) != 2 {
		t.Errorf("len(limit 2) = %d, want 2", len(limited))
	}
}

// PlanCatalog tests

func TestPlanCatalog_Assignments(t *testing.T) {
	cat := memory.NewPlanCatalog("free")
	ctx := context.Background()

	free := quota.PlanLimits{PlanID: "free", Limits: map[quota.Metric]int64{quota.MetricDevices: 10}}
	pro := quota.PlanLimits{PlanID: "pro", Limits: map[quota.Metric]int64{quota.MetricDevices: 1000}}
	if err := cat.SetPlan(free); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	cat.SetPlan(pro)
	if err := cat.Assign("big", "pro"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	got, _ := cat.GetLimits(ctx, "big")
	if got.PlanID != "pro" {
		t.Errorf("big plan = %s, want pro", got.PlanID)
	}
	got, _ = cat.GetLimits(ctx, "small")
	if got.PlanID != "free" {
		t.Errorf("small plan = %s, want default free", got.PlanID)
	}

	free.Limits[quota.MetricDevices] = 1
	got, _ = cat.GetLimits(ctx, "small")
	if got.Limits[quota.MetricDevices] != 10 {
		t.Error("SetPlan kept caller's map")
	}
}

func TestPlanCatalog_Missing(t *testing.T) {
	cat := memory.NewPlanCatalog("")
	if _, err := cat.GetLimits(context.Background(), "acct"); !errors.Is(err, quota.ErrPlanNotFound) {
		t.Errorf("error = %v, want ErrPlanNotFound", err)
	}
	if err := cat.Assign("acct", "ghost"); !errors.Is(err, quota.ErrPlanNotFound) {
		t.Errorf("Assign error = %v, want ErrPlanNotFound", err)
	}
	bad := quota.PlanLimits{PlanID: "bad", Limits: map[quota.Metric]int64{"bandwidth": 1}}
	if err := cat.SetPlan(bad); !errors.Is(err, quota.ErrInvalidMetric) {
		t.Errorf("SetPlan error = %v, want ErrInvalidMetric", err)
	}
}
