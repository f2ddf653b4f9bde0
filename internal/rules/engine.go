// Package rules is the Rule/Schedule Engine (spec §4.4): a 1s-tick loop
// that evaluates schedules and rules against the shared config Store and
// dispatches their actions back into the HTTP API, in-process. Grounded
// on HueBridgeEmulator.py's scheduler_processor/rules_processor.
package rules

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stufisher/homiehuebridge/internal/logging"
	"github.com/stufisher/homiehuebridge/internal/store"
)

var log = logging.WithComponent("rules")

// Dispatcher carries out a rule or schedule action's {address, method,
// body} in-process. Declared here rather than imported from httpapi so
// the engine depends on a capability, not a concrete package (spec §9:
// no back-pointers). *httpapi.Server satisfies this structurally.
type Dispatcher interface {
	Dispatch(owner, method, address string, body map[string]interface{})
}

// Engine owns the 1s tick loop. It holds no state of its own beyond the
// goroutine lifecycle: all schedule/rule data lives in the Store.
type Engine struct {
	store      *store.Store
	dispatcher Dispatcher

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New builds an Engine. Call Start to begin ticking.
func New(st *store.Store, dispatcher Dispatcher) *Engine {
	return &Engine{
		store:      st,
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
	}
}

// Start launches the tick loop in the background.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Shutdown stops the tick loop and waits for it to exit.
func (e *Engine) Shutdown() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

// tick is one scheduler_processor iteration: refresh config.localtime,
// run due schedules, then run rules with ddx eligible, saving once at
// the top of the hour.
func (e *Engine) tick(now time.Time) {
	e.store.Lock()
	e.store.RefreshClockLocked(now)
	e.runSchedulesLocked(now)
	e.runRulesLocked(now, true)
	topOfHour := now.Minute() == 0 && now.Second() == 0
	e.store.Unlock()

	if topOfHour {
		if err := e.store.Save(); err != nil {
			log.WithError(err).Warn("hourly autosave failed")
		}
	}
}

// EvaluateNow implements httpapi.RuleTrigger: a sensor state.flag PUT
// invokes one rule pass synchronously, with ddx ineligible (ddx only
// fires from the tick loop, matching rules_processor()'s default
// scheduler=False when called from do_PUT). The caller must already
// hold the Store lock — this runs inline inside the PUT transaction,
// not in the tick goroutine.
func (e *Engine) EvaluateNow() {
	e.runRulesLocked(time.Now(), false)
}

// runSchedulesLocked evaluates every enabled schedule's localtime and
// fires its command when due. Caller must hold the Store lock.
func (e *Engine) runSchedulesLocked(now time.Time) {
	schedules := e.store.CollectionLocked(store.CollectionSchedules)
	for id, v := range schedules {
		sched, ok := store.AsMap(v)
		if !ok {
			continue
		}
		if status, _ := store.AsString(sched["status"]); status != "enabled" {
			continue
		}
		localtime, _ := store.AsString(sched["localtime"])

		switch {
		case strings.HasPrefix(localtime, "W"):
			if weeklyScheduleDue(localtime, now) {
				e.fireCommandLocked(id, sched)
			}
		case strings.HasPrefix(localtime, "PT"):
			starttime, _ := store.AsString(sched["starttime"])
			if starttime != store.NowUTC(now) {
				continue
			}
			e.fireCommandLocked(id, sched)
			sched["status"] = "disabled"
			schedules[id] = sched
		default:
			if localtime == store.NowLocal(now) {
				e.fireCommandLocked(id, sched)
			}
		}
	}
	e.store.ReplaceCollectionLocked(store.CollectionSchedules, schedules)
}

// weeklyScheduleDue parses a "W<dayMask>/T<HH:MM:SS>" localtime and
// reports whether today's weekday bit is set and the clock matches.
// The mask's bit order follows the original: bit (6-weekday) with
// weekday counted Monday=0..Sunday=6.
func weeklyScheduleDue(localtime string, now time.Time) bool {
	parts := strings.SplitN(localtime, "/T", 2)
	if len(parts) != 2 {
		return false
	}
	mask, err := strconv.Atoi(strings.TrimPrefix(parts[0], "W"))
	if err != nil {
		return false
	}
	pyWeekday := (int(now.Weekday()) + 6) % 7
	if mask&(1<<(6-pyWeekday)) == 0 {
		return false
	}
	return now.Format("15:04:05") == parts[1]
}

// fireCommandLocked dispatches a due schedule's command. The stored
// address is already the original bridge's full "/api/<user>/..." form
// (the client supplies it at creation), so it's split into owner and a
// relative address instead of threading owner through separately.
func (e *Engine) fireCommandLocked(id string, sched map[string]interface{}) {
	cmd, ok := store.AsMap(sched["command"])
	if !ok {
		return
	}
	address, _ := store.AsString(cmd["address"])
	method, _ := store.AsString(cmd["method"])
	body, _ := store.AsMap(cmd["body"])

	owner, rel, ok := splitAPIAddress(address)
	if !ok {
		log.WithField("schedule", id).Warn("schedule command address missing /api/<user> prefix")
		return
	}
	log.WithField("schedule", id).Info("executing schedule")
	e.dispatcher.Dispatch(owner, method, rel, cloneMap(body))
}

// runRulesLocked evaluates every enabled rule's conditions and, when all
// hold, dispatches its actions. ddx conditions only hold when scheduler
// is true (the 1s tick), matching rules_processor(scheduler). Caller
// must hold the Store lock.
func (e *Engine) runRulesLocked(now time.Time, scheduler bool) {
	rules := e.store.CollectionLocked(store.CollectionRules)
	for id, v := range rules {
		rule, ok := store.AsMap(v)
		if !ok {
			continue
		}
		if status, _ := store.AsString(rule["status"]); status != "enabled" {
			continue
		}

		conditions, _ := rule["conditions"].([]interface{})
		execute := true
		for _, c := range conditions {
			cond, ok := store.AsMap(c)
			if !ok {
				continue
			}
			if !e.evaluateConditionLocked(cond, now, scheduler) {
				execute = false
				break
			}
		}
		if !execute {
			continue
		}

		log.WithField("rule", id).Info("rule triggered")
		owner, _ := store.AsString(rule["owner"])
		actions, _ := rule["actions"].([]interface{})
		for _, a := range actions {
			action, ok := store.AsMap(a)
			if !ok {
				continue
			}
			address, _ := store.AsString(action["address"])
			method, _ := store.AsString(action["method"])
			body, _ := store.AsMap(action["body"])
			e.dispatcher.Dispatch(owner, method, address, cloneMap(body))
		}
	}
}

// evaluateConditionLocked implements the six rule operators (spec §4.4).
// Caller must hold the Store lock.
func (e *Engine) evaluateConditionLocked(cond map[string]interface{}, now time.Time, scheduler bool) bool {
	address, _ := store.AsString(cond["address"])
	operator, _ := store.AsString(cond["operator"])
	value, _ := store.AsString(cond["value"])
	path := store.ParsePath(address)

	switch operator {
	case "eq":
		current, ok := e.store.GetLocked(path)
		if !ok {
			return false
		}
		switch value {
		case "true":
			b, _ := store.AsBool(current)
			return b
		case "false":
			b, _ := store.AsBool(current)
			return !b
		default:
			cur, err := store.AsInt(current)
			want, werr := strconv.Atoi(value)
			return err == nil && werr == nil && cur == want
		}
	case "gt":
		current, ok := e.store.GetLocked(path)
		if !ok {
			return false
		}
		cur, err := store.AsInt(current)
		want, werr := strconv.Atoi(value)
		return err == nil && werr == nil && cur > want
	case "lt":
		// REDESIGN FLAG (i): natural int(state) < int(value), not the
		// original's negate-then-compare (int(not state) < int(value)).
		current, ok := e.store.GetLocked(path)
		if !ok {
			return false
		}
		cur, err := store.AsInt(current)
		want, werr := strconv.Atoi(value)
		return err == nil && werr == nil && cur < want
	case "dx":
		id, field, ok := sensorIDAndField(path)
		if !ok {
			return false
		}
		changed, ok := e.store.Sensors().LastChanged(id, field)
		if !ok {
			return false
		}
		return sameSecond(changed, now)
	case "ddx":
		if !scheduler {
			return false
		}
		id, field, ok := sensorIDAndField(path)
		if !ok {
			return false
		}
		changed, ok := e.store.Sensors().LastChanged(id, field)
		if !ok {
			return false
		}
		d, ok := store.ParsePTDuration(value)
		if !ok {
			return false
		}
		return sameSecond(changed.Add(d), now)
	case "in":
		return evaluateInWindow(value, now)
	default:
		return false
	}
}

const secondLayout = "2006-01-02T15:04:05"

func sameSecond(a, b time.Time) bool {
	return a.Format(secondLayout) == b.Format(secondLayout)
}

// sensorIDAndField extracts the sensor id and state field from a
// "/sensors/<id>/state/<field>" condition address, the only shape dx
// and ddx conditions address.
func sensorIDAndField(path store.Path) (id, field string, ok bool) {
	if len(path) != 4 || path[0] != store.CollectionSensors || path[2] != "state" {
		return "", "", false
	}
	return path[1], path[3], true
}

// evaluateInWindow implements the "in" operator's "T<start>/T<end>" time
// window, including the overnight (start > end) wraparound case.
func evaluateInWindow(value string, now time.Time) bool {
	if !strings.HasPrefix(value, "T") {
		return false
	}
	periods := strings.SplitN(value, "/", 2)
	if len(periods) != 2 {
		return false
	}
	const clockLayout = "15:04:05"
	start, err1 := time.Parse(clockLayout, strings.TrimPrefix(periods[0], "T"))
	end, err2 := time.Parse(clockLayout, strings.TrimPrefix(periods[1], "T"))
	if err1 != nil || err2 != nil {
		return false
	}
	nowClock, _ := time.Parse(clockLayout, now.Format(clockLayout))

	if start.Before(end) {
		return !nowClock.Before(start) && !nowClock.After(end)
	}
	return !nowClock.Before(start) || !nowClock.After(end)
}

// splitAPIAddress splits a stored "/api/<user>/<rest>" address (the form
// schedule commands are created with) into the owning username and the
// remaining relative address Dispatch expects.
func splitAPIAddress(address string) (owner, rel string, ok bool) {
	segs := store.ParsePath(address)
	if len(segs) < 2 || segs[0] != "api" {
		return "", "", false
	}
	return segs[1], "/" + strings.Join(segs[2:], "/"), true
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
