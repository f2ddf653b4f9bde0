package rules

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stufisher/homiehuebridge/internal/store"
)

type dispatchCall struct {
	owner, method, address string
	body                   map[string]interface{}
}

type fakeDispatcher struct {
	calls []dispatchCall
}

func (d *fakeDispatcher) Dispatch(owner, method, address string, body map[string]interface{}) {
	d.calls = append(d.calls, dispatchCall{owner, method, address, body})
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeDispatcher) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "hue.json"))
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := &fakeDispatcher{}
	return New(st, d), st, d
}

func TestAbsoluteScheduleFiresAtExactLocaltime(t *testing.T) {
	e, st, d := newTestEngine(t)
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	st.Lock()
	schedules := st.CollectionLocked(store.CollectionSchedules)
	schedules["1"] = map[string]interface{}{
		"status":    "enabled",
		"localtime": store.NowLocal(now),
		"command": map[string]interface{}{
			"address": "/api/user1/lights/1/state",
			"method":  "PUT",
			"body":    map[string]interface{}{"on": true},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionSchedules, schedules)
	st.Unlock()
	e.tick(now)

	if len(d.calls) != 1 {
		t.Fatalf("expected one dispatch, got %+v", d.calls)
	}
	call := d.calls[0]
	if call.owner != "user1" || call.method != "PUT" || call.address != "/lights/1/state" {
		t.Fatalf("unexpected dispatch shape: %+v", call)
	}
}

func TestPTScheduleFiresOnceThenDisables(t *testing.T) {
	e, st, d := newTestEngine(t)
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	st.Lock()
	schedules := st.CollectionLocked(store.CollectionSchedules)
	schedules["1"] = map[string]interface{}{
		"status":    "enabled",
		"localtime": "PT00:00:10",
		"starttime": store.NowUTC(now),
		"command": map[string]interface{}{
			"address": "/api/user1/groups/0/action",
			"method":  "PUT",
			"body":    map[string]interface{}{"on": false},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionSchedules, schedules)
	st.Unlock()
	e.tick(now)
	e.tick(now) // second tick at the same instant must not refire

	if len(d.calls) != 1 {
		t.Fatalf("expected exactly one dispatch, got %+v", d.calls)
	}

	st.Lock()
	status, _ := st.GetLocked(store.ParsePath("/schedules/1/status"))
	st.Unlock()
	if status != "disabled" {
		t.Fatalf("expected schedule disabled after firing, got %v", status)
	}
}

func TestWeeklyScheduleFiresOnMatchingWeekdayAndTime(t *testing.T) {
	e, st, d := newTestEngine(t)
	// 2026-03-02 is a Monday; pyWeekday(Monday)=0, bit = 1<<(6-0) = 64.
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	st.Lock()
	schedules := st.CollectionLocked(store.CollectionSchedules)
	schedules["1"] = map[string]interface{}{
		"status":    "enabled",
		"localtime": "W64/T08:30:00",
		"command": map[string]interface{}{
			"address": "/api/user1/lights/1/state",
			"method":  "PUT",
			"body":    map[string]interface{}{"on": true},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionSchedules, schedules)
	st.Unlock()
	e.tick(now)

	if len(d.calls) != 1 {
		t.Fatalf("expected weekly schedule to fire on matching weekday, got %+v", d.calls)
	}
}

func TestWeeklyScheduleSkipsWrongWeekday(t *testing.T) {
	e, st, d := newTestEngine(t)
	// 2026-03-03 is a Tuesday; the mask below only covers Monday.
	now := time.Date(2026, 3, 3, 8, 30, 0, 0, time.UTC)

	st.Lock()
	schedules := st.CollectionLocked(store.CollectionSchedules)
	schedules["1"] = map[string]interface{}{
		"status":    "enabled",
		"localtime": "W64/T08:30:00",
		"command": map[string]interface{}{
			"address": "/api/user1/lights/1/state",
			"method":  "PUT",
			"body":    map[string]interface{}{"on": true},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionSchedules, schedules)
	st.Unlock()
	e.tick(now)

	if len(d.calls) != 0 {
		t.Fatalf("expected no dispatch on non-matching weekday, got %+v", d.calls)
	}
}

func TestRuleEqConditionTriggersAction(t *testing.T) {
	e, st, d := newTestEngine(t)
	now := time.Now()

	st.Lock()
	sensors := st.CollectionLocked(store.CollectionSensors)
	sensors["1"] = map[string]interface{}{"state": map[string]interface{}{"flag": true}}
	st.ReplaceCollectionLocked(store.CollectionSensors, sensors)

	rules := st.CollectionLocked(store.CollectionRules)
	rules["1"] = map[string]interface{}{
		"status": "enabled",
		"owner":  "user1",
		"conditions": []interface{}{
			map[string]interface{}{"address": "/sensors/1/state/flag", "operator": "eq", "value": "true"},
		},
		"actions": []interface{}{
			map[string]interface{}{
				"address": "/lights/1/state",
				"method":  "PUT",
				"body":    map[string]interface{}{"on": true},
			},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionRules, rules)

	e.runRulesLocked(now, false)
	st.Unlock()

	if len(d.calls) != 1 {
		t.Fatalf("expected rule action dispatched, got %+v", d.calls)
	}
	if d.calls[0].owner != "user1" || d.calls[0].address != "/lights/1/state" {
		t.Fatalf("unexpected dispatch: %+v", d.calls[0])
	}
}

func TestRuleGtAndLtConditions(t *testing.T) {
	e, st, d := newTestEngine(t)
	now := time.Now()

	st.Lock()
	sensors := st.CollectionLocked(store.CollectionSensors)
	sensors["1"] = map[string]interface{}{"state": map[string]interface{}{"battery": float64(50)}}
	st.ReplaceCollectionLocked(store.CollectionSensors, sensors)

	rules := st.CollectionLocked(store.CollectionRules)
	rules["1"] = map[string]interface{}{
		"status": "enabled",
		"owner":  "user1",
		"conditions": []interface{}{
			map[string]interface{}{"address": "/sensors/1/state/battery", "operator": "gt", "value": "40"},
			map[string]interface{}{"address": "/sensors/1/state/battery", "operator": "lt", "value": "60"},
		},
		"actions": []interface{}{
			map[string]interface{}{"address": "/lights/1/state", "method": "PUT", "body": map[string]interface{}{"on": false}},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionRules, rules)

	e.runRulesLocked(now, false)
	st.Unlock()

	if len(d.calls) != 1 {
		t.Fatalf("expected both gt and lt to hold and fire the action, got %+v", d.calls)
	}
}

func TestRuleLtUsesNaturalComparisonNotOriginalBug(t *testing.T) {
	// REDESIGN FLAG (i): battery=50, lt 40 must NOT hold (50 is not < 40).
	e, st, d := newTestEngine(t)
	now := time.Now()

	st.Lock()
	sensors := st.CollectionLocked(store.CollectionSensors)
	sensors["1"] = map[string]interface{}{"state": map[string]interface{}{"battery": float64(50)}}
	st.ReplaceCollectionLocked(store.CollectionSensors, sensors)

	rules := st.CollectionLocked(store.CollectionRules)
	rules["1"] = map[string]interface{}{
		"status": "enabled",
		"owner":  "user1",
		"conditions": []interface{}{
			map[string]interface{}{"address": "/sensors/1/state/battery", "operator": "lt", "value": "40"},
		},
		"actions": []interface{}{
			map[string]interface{}{"address": "/lights/1/state", "method": "PUT", "body": map[string]interface{}{"on": false}},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionRules, rules)

	e.runRulesLocked(now, false)
	st.Unlock()

	if len(d.calls) != 0 {
		t.Fatalf("expected lt condition to not hold, got %+v", d.calls)
	}
}

func TestDxRequiresChangeInSameSecond(t *testing.T) {
	e, st, d := newTestEngine(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st.Lock()
	sensors := st.CollectionLocked(store.CollectionSensors)
	sensors["1"] = map[string]interface{}{"state": map[string]interface{}{"flag": true}}
	st.ReplaceCollectionLocked(store.CollectionSensors, sensors)
	st.Sensors().Touch("1", "flag", now)

	rules := st.CollectionLocked(store.CollectionRules)
	rules["1"] = map[string]interface{}{
		"status": "enabled",
		"owner":  "user1",
		"conditions": []interface{}{
			map[string]interface{}{"address": "/sensors/1/state/flag", "operator": "dx"},
		},
		"actions": []interface{}{
			map[string]interface{}{"address": "/lights/1/state", "method": "PUT", "body": map[string]interface{}{"on": true}},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionRules, rules)

	e.runRulesLocked(now, false)
	e.runRulesLocked(now.Add(5*time.Second), false)
	st.Unlock()

	if len(d.calls) != 1 {
		t.Fatalf("expected dx to fire exactly once, at the change instant, got %+v", d.calls)
	}
}

func TestDdxOnlyFiresFromSchedulerTick(t *testing.T) {
	e, st, d := newTestEngine(t)
	changed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := changed.Add(10 * time.Second)

	st.Lock()
	sensors := st.CollectionLocked(store.CollectionSensors)
	sensors["1"] = map[string]interface{}{"state": map[string]interface{}{"flag": true}}
	st.ReplaceCollectionLocked(store.CollectionSensors, sensors)
	st.Sensors().Touch("1", "flag", changed)

	rules := st.CollectionLocked(store.CollectionRules)
	rules["1"] = map[string]interface{}{
		"status": "enabled",
		"owner":  "user1",
		"conditions": []interface{}{
			map[string]interface{}{"address": "/sensors/1/state/flag", "operator": "ddx", "value": "PT00:00:10"},
		},
		"actions": []interface{}{
			map[string]interface{}{"address": "/lights/1/state", "method": "PUT", "body": map[string]interface{}{"on": false}},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionRules, rules)

	e.runRulesLocked(due, false) // not from the tick loop: must not fire
	if len(d.calls) != 0 {
		t.Fatalf("expected ddx to be ineligible outside the scheduler tick, got %+v", d.calls)
	}

	e.runRulesLocked(due, true)
	if len(d.calls) != 1 {
		t.Fatalf("expected ddx to fire from the scheduler tick, got %+v", d.calls)
	}
	st.Unlock()
}

func TestEvaluateInWindowWraparound(t *testing.T) {
	overnight := "T22:00:00/T06:00:00"
	late := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !evaluateInWindow(overnight, late) {
		t.Fatal("expected 23:00 to be inside the 22:00-06:00 overnight window")
	}
	if evaluateInWindow(overnight, midday) {
		t.Fatal("expected 12:00 to be outside the 22:00-06:00 overnight window")
	}

	daytime := "T08:00:00/T18:00:00"
	if !evaluateInWindow(daytime, midday) {
		t.Fatal("expected 12:00 to be inside the 08:00-18:00 window")
	}
	if evaluateInWindow(daytime, late) {
		t.Fatal("expected 23:00 to be outside the 08:00-18:00 window")
	}
}

func TestEvaluateNowRunsWithoutSchedulerEligibility(t *testing.T) {
	e, st, d := newTestEngine(t)
	now := time.Now()

	st.Lock()
	sensors := st.CollectionLocked(store.CollectionSensors)
	sensors["1"] = map[string]interface{}{"state": map[string]interface{}{"flag": true}}
	st.ReplaceCollectionLocked(store.CollectionSensors, sensors)

	rules := st.CollectionLocked(store.CollectionRules)
	rules["1"] = map[string]interface{}{
		"status": "enabled",
		"owner":  "user1",
		"conditions": []interface{}{
			map[string]interface{}{"address": "/sensors/1/state/flag", "operator": "eq", "value": "true"},
		},
		"actions": []interface{}{
			map[string]interface{}{"address": "/lights/1/state", "method": "PUT", "body": map[string]interface{}{"on": true}},
		},
	}
	st.ReplaceCollectionLocked(store.CollectionRules, rules)

	e.EvaluateNow()
	st.Unlock()

	if len(d.calls) != 1 {
		t.Fatalf("expected EvaluateNow to trigger the matching rule, got %+v", d.calls)
	}
}
