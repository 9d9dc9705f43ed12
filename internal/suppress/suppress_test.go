package suppress

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meshgov/warden/internal/models"
)

func testEvent() *models.IngressEvent {
	return &models.IngressEvent{
		RuleName:  "cpu_high",
		Severity:  models.SeverityWarning,
		Message:   "cpu above 90%",
		Source:    "node-1",
		Labels:    map[string]string{"service": "ledger"},
		Timestamp: time.Now(),
	}
}

func TestDecideAdmitByDefault(t *testing.T) {
	idx := NewIndex(nil)
	d := idx.Decide(testEvent(), "key-1", time.Now())
	assert.Equal(t, Admit, d.Action)
}

func TestDecideWindowSuppression(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	idx := NewIndex(nil)
	idx.UpsertWindow(&models.MaintenanceWindow{
		Meta:                  models.Meta{ID: "w1"},
		Source:                "node-1",
		Start:                 now.Add(-time.Hour),
		End:                   now.Add(time.Hour),
		SuppressNotifications: true,
	})

	d := idx.Decide(testEvent(), "key-1", now)
	assert.Equal(t, Suppress, d.Action)
	assert.Contains(t, d.Reason, "maintenance_window")

	// Window interval is half-open: at End the alert is admitted.
	d = idx.Decide(testEvent(), "key-1", now.Add(time.Hour))
	assert.Equal(t, Admit, d.Action)
}

func TestDecideWindowWithoutSuppressFlagAdmits(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)
	idx.UpsertWindow(&models.MaintenanceWindow{
		Meta:   models.Meta{ID: "w1"},
		Source: "node-1",
		Start:  now.Add(-time.Hour),
		End:    now.Add(time.Hour),
	})
	d := idx.Decide(testEvent(), "key-1", now)
	assert.Equal(t, Admit, d.Action)
}

func TestCooldownArmsOnNotificationNotAdmission(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)
	ev := testEvent()

	// Admission alone must not arm the cooldown.
	assert.Equal(t, Admit, idx.Decide(ev, "key-1", now).Action)
	assert.Equal(t, Admit, idx.Decide(ev, "key-2", now.Add(time.Second)).Action)

	idx.MarkNotified(ev.RuleName, ev.Source, ev.Severity, now)

	d := idx.Decide(ev, "key-3", now.Add(time.Minute))
	assert.Equal(t, Suppress, d.Action)
	assert.Equal(t, "cooldown", d.Reason)

	// Warning cooldown defaults to 10 minutes.
	d = idx.Decide(ev, "key-3", now.Add(10*time.Minute))
	assert.Equal(t, Admit, d.Action)
}

func TestCooldownKeyedByRuleAndSource(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)
	idx.MarkNotified("cpu_high", "node-1", models.SeverityWarning, now)

	other := testEvent()
	other.Source = "node-2"
	assert.Equal(t, Admit, idx.Decide(other, "key-x", now.Add(time.Second)).Action)

	otherRule := testEvent()
	otherRule.RuleName = "mem_high"
	assert.Equal(t, Admit, idx.Decide(otherRule, "key-y", now.Add(time.Second)).Action)
}

func TestDecideMergeIntoOpenAlert(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)
	idx.AdmitKey("key-1", "alert-1")

	d := idx.Decide(testEvent(), "key-1", now)
	assert.Equal(t, Merge, d.Action)
	assert.Equal(t, "alert-1", d.ExistingID)

	idx.ReleaseKey("key-1")
	assert.Equal(t, Admit, idx.Decide(testEvent(), "key-1", now).Action)
}

func TestDecideAdmitRegistersOpenKey(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)

	d := idx.DecideAdmit(testEvent(), "key-1", "alert-1", now)
	assert.Equal(t, Admit, d.Action)

	// The key is registered in the same step, so the next arrival merges.
	d = idx.DecideAdmit(testEvent(), "key-1", "alert-2", now)
	assert.Equal(t, Merge, d.Action)
	assert.Equal(t, "alert-1", d.ExistingID)

	id, ok := idx.OpenAlert("key-1")
	assert.True(t, ok)
	assert.Equal(t, "alert-1", id)
}

func TestDecideAdmitDoesNotRegisterOnSuppress(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)
	idx.MarkNotified("cpu_high", "node-1", models.SeverityWarning, now)

	d := idx.DecideAdmit(testEvent(), "key-1", "alert-1", now.Add(time.Minute))
	assert.Equal(t, Suppress, d.Action)
	_, ok := idx.OpenAlert("key-1")
	assert.False(t, ok)
}

func TestDecideAdmitConcurrentSameKeyAdmitsOnce(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)

	const n = 32
	results := make(chan Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- idx.DecideAdmit(testEvent(), "key-1", fmt.Sprintf("alert-%d", i), now)
		}(i)
	}
	wg.Wait()
	close(results)

	admits, merges := 0, 0
	for d := range results {
		switch d.Action {
		case Admit:
			admits++
		case Merge:
			merges++
		}
	}
	assert.Equal(t, 1, admits, "exactly one arrival admits")
	assert.Equal(t, n-1, merges)
}

func TestDecisionOrderWindowBeatsMerge(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)
	idx.AdmitKey("key-1", "alert-1")
	idx.UpsertWindow(&models.MaintenanceWindow{
		Meta:                  models.Meta{ID: "w1"},
		Source:                "node-1",
		Start:                 now.Add(-time.Minute),
		End:                   now.Add(time.Minute),
		SuppressNotifications: true,
	})

	d := idx.Decide(testEvent(), "key-1", now)
	assert.Equal(t, Suppress, d.Action, "window suppression wins over merge")
}

func TestCustomCooldowns(t *testing.T) {
	now := time.Now()
	idx := NewIndex(map[models.Severity]time.Duration{
		models.SeverityEmergency: 30 * time.Second,
	})
	idx.MarkNotified("cpu_high", "node-1", models.SeverityEmergency, now)

	ev := testEvent()
	ev.Severity = models.SeverityEmergency
	assert.Equal(t, Suppress, idx.Decide(ev, "k", now.Add(29*time.Second)).Action)
	assert.Equal(t, Admit, idx.Decide(ev, "k", now.Add(30*time.Second)).Action)
}

func TestPruneDropsExpiredState(t *testing.T) {
	now := time.Now()
	idx := NewIndex(nil)
	idx.MarkNotified("cpu_high", "node-1", models.SeverityWarning, now.Add(-time.Hour))
	idx.UpsertWindow(&models.MaintenanceWindow{
		Meta:  models.Meta{ID: "w1"},
		Start: now.Add(-2 * time.Hour),
		End:   now.Add(-time.Hour),
	})

	idx.Prune(now)

	assert.Equal(t, Admit, idx.Decide(testEvent(), "k", now).Action)
}
