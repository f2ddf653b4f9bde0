package httpapi

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stufisher/homiehuebridge/internal/store"
)

// handlePut implements §4.5 PUT /api/<user>/<p...>, depth 1 to 4.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) < 3 {
		return
	}
	body, err := readBody(r)
	if err != nil {
		log.WithError(err).Warn("malformed PUT body")
		return
	}
	s.putLocked(w, segments, body)
}

// putLocked acquires the store lock and runs putCore, for the real HTTP
// entry point.
func (s *Server) putLocked(w io.Writer, segments []string, body map[string]interface{}) {
	s.store.Lock()
	defer s.store.Unlock()
	s.putCore(w, segments, body)
}

// putCore is putLocked's body, assuming the store lock is already held.
// Dispatch calls this directly for rule/schedule actions addressed with
// PUT, since its callers (the Rule/Schedule Engine's tick and
// EvaluateNow) already hold that lock.
func (s *Server) putCore(w io.Writer, segments []string, body map[string]interface{}) {
	if len(segments) < 3 {
		return
	}
	user := segments[1]

	if !s.store.IsWhitelistedLocked(user) {
		writeJSON(w, unauthorized("/"+strings.Join(segments, "/")))
		return
	}

	responseLocation := "/" + strings.Join(segments[2:], "/") + "/"

	switch len(segments) {
	case 3:
		s.putDepth1Locked(segments[2], body)
	case 4:
		s.putDepth2Locked(segments[2], segments[3], body)
	case 5:
		s.putDepth3Locked(segments[2], segments[3], segments[4], body)
	case 6:
		s.putDepth4Locked(segments[2], segments[3], segments[4], segments[5], body)
	default:
		return
	}

	if err := s.store.SaveLocked(); err != nil {
		log.WithError(err).Warn("save after PUT failed")
	}

	resp := make([]map[string]interface{}, 0, len(body))
	for key, value := range body {
		resp = append(resp, map[string]interface{}{"success": map[string]interface{}{responseLocation + key: value}})
	}
	writeJSON(w, resp)
}

func (s *Server) putDepth1Locked(collection string, body map[string]interface{}) {
	s.store.MergeLocked(store.Path{collection}, body)
}

func (s *Server) putDepth2Locked(collection, id string, body map[string]interface{}) {
	switch collection {
	case store.CollectionSchedules:
		s.applyScheduleEnableLocked(id, body)
	case store.CollectionScenes:
		if hasKey(body, "storelightstate") {
			s.storeLightStateLocked(id)
		}
	case store.CollectionSensors:
		for key, value := range body {
			if patch, ok := store.AsMap(value); ok {
				s.store.MergeLocked(store.Path{collection, id, key}, patch)
			}
		}
		return
	}
	s.store.MergeLocked(store.Path{collection, id}, body)
}

// storeLightStateLocked snapshots every scene member light's current
// state into scenes[id].lightstates, keeping only on, bri and whichever
// color field matches the light's current colormode (§4.5).
func (s *Server) storeLightStateLocked(sceneID string) {
	scene, ok := store.AsMap(s.store.CollectionLocked(store.CollectionScenes)[sceneID])
	if !ok {
		return
	}
	lightStates, _ := store.AsMap(scene["lightstates"])
	if lightStates == nil {
		lightStates = map[string]interface{}{}
	}
	lights := s.store.CollectionLocked(store.CollectionLights)

	members, _ := scene["lights"].([]interface{})
	for _, m := range members {
		lightID, _ := store.AsString(m)
		light, ok := store.AsMap(lights[lightID])
		if !ok {
			continue
		}
		snapshot, ok := store.AsMap(lightStates[lightID])
		if !ok {
			snapshot = map[string]interface{}{}
		}
		state, _ := store.AsMap(light["state"])

		snapshot["on"] = state["on"]
		snapshot["bri"] = state["bri"]
		delete(snapshot, "xy")
		delete(snapshot, "ct")
		delete(snapshot, "hue")
		delete(snapshot, "sat")

		switch colormode, _ := state["colormode"].(string); colormode {
		case "ct", "xy":
			snapshot[colormode] = state[colormode]
		case "hs":
			snapshot["hue"] = state["hue"]
			snapshot["sat"] = state["sat"]
		}
		lightStates[lightID] = snapshot
	}
	scene["lightstates"] = lightStates
}

// applyScheduleEnableLocked recomputes starttime when a schedule with a
// PT (relative) localtime transitions to enabled, per §4.5.
func (s *Server) applyScheduleEnableLocked(id string, body map[string]interface{}) {
	if status, _ := body["status"].(string); status != "enabled" {
		return
	}
	existing, ok := store.AsMap(s.store.CollectionLocked(store.CollectionSchedules)[id])
	if !ok {
		return
	}
	localtime, _ := existing["localtime"].(string)
	if lt, ok := body["localtime"].(string); ok {
		localtime = lt
	}
	d, ok := store.ParsePTDuration(localtime)
	if !ok {
		return
	}
	body["starttime"] = store.NowUTC(time.Now().Add(d))
}

func (s *Server) putDepth3Locked(collection, id, sub string, body map[string]interface{}) {
	switch collection {
	case store.CollectionGroups:
		s.putGroupDepth3Locked(id, sub, body)
	case store.CollectionLights:
		if sub == "state" {
			s.publishAndApplyLightLocked(id, body)
		}
	}

	if id == "0" && collection == store.CollectionGroups {
		// group 0 is virtual; never persisted as an object (handled above).
		return
	}
	s.store.MergeLocked(store.Path{collection, id, sub}, body)

	if collection == store.CollectionSensors && sub == "state" {
		s.applySensorStateWriteLocked(id, body)
	}
}

func (s *Server) putGroupDepth3Locked(id, sub string, body map[string]interface{}) {
	switch {
	case hasKey(body, "scene"):
		s.recallSceneLocked(body["scene"])
	case hasKey(body, "bri_inc"):
		s.applyBriIncLocked(id, body)
	case id == "0":
		s.applyGroupZeroLocked(sub, body)
	default:
		s.applyGroupMemberLocked(id, body)
	}
}

func hasKey(m map[string]interface{}, key string) bool {
	_, ok := m[key]
	return ok
}

// publishAsync hands a light-state change to the Light Adapter on a
// detached goroutine (spec §5 "detached workers: per light/group
// light-state fan-out"). The adapter's bus publish does a blocking
// broker round-trip; running it under the store lock would freeze every
// other request and the engine tick on a slow or unreachable broker.
// changes is cloned before handoff since the caller may keep mutating
// its own copy (e.g. applyBriIncLocked's body) after this returns.
func (s *Server) publishAsync(lightID string, changes map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	cloned := cloneMap(changes)
	go s.publisher.OnLightPut(lightID, cloned)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// recallSceneLocked restores every scene member light's stored state and
// fans the change out to the Light Adapter (§4.5 scene recall scenario).
func (s *Server) recallSceneLocked(sceneRef interface{}) {
	sceneID, _ := sceneRef.(string)
	scene, ok := store.AsMap(s.store.CollectionLocked(store.CollectionScenes)[sceneID])
	if !ok {
		return
	}
	lightStates, _ := store.AsMap(scene["lightstates"])
	for lightID, v := range lightStates {
		patch, ok := store.AsMap(v)
		if !ok {
			continue
		}
		s.store.ApplyLightStateLocked(lightID, patch)
		s.store.UpdateGroupStatsLocked(lightID, time.Now())
		s.publishAsync(lightID, patch)
	}
}

// applyBriIncLocked adds bri_inc to the group's action.bri (clamped to
// [1,254]) and propagates the result as a bri write to every member.
func (s *Server) applyBriIncLocked(id string, body map[string]interface{}) {
	groups := s.store.CollectionLocked(store.CollectionGroups)
	group, ok := store.AsMap(groups[id])
	if !ok {
		return
	}
	action, _ := store.AsMap(group["action"])
	if action == nil {
		action = map[string]interface{}{}
	}
	current, _ := store.AsInt(action["bri"])
	inc, _ := store.AsInt(body["bri_inc"])
	bri := current + inc
	if bri > 254 {
		bri = 254
	} else if bri < 1 {
		bri = 1
	}
	action["bri"] = bri
	group["action"] = action

	state, _ := store.AsMap(group["state"])
	if state == nil {
		state = map[string]interface{}{}
	}
	state["bri"] = bri
	group["state"] = state
	groups[id] = group

	delete(body, "bri_inc")
	body["bri"] = bri

	members, _ := group["lights"].([]interface{})
	for _, m := range members {
		memberID, _ := store.AsString(m)
		s.store.ApplyLightStateLocked(memberID, body)
		s.publishAsync(memberID, body)
	}
}

// applyGroupZeroLocked is group 0's virtual fan-out: every light and
// every group's own `sub` object gets the body; group 0 itself is never
// persisted.
func (s *Server) applyGroupZeroLocked(sub string, body map[string]interface{}) {
	lights := s.store.CollectionLocked(store.CollectionLights)
	for lightID := range lights {
		s.store.ApplyLightStateLocked(lightID, body)
		s.publishAsync(lightID, body)
	}

	groups := s.store.CollectionLocked(store.CollectionGroups)
	for gid, gv := range groups {
		group, ok := store.AsMap(gv)
		if !ok {
			continue
		}
		target, ok := store.AsMap(group[sub])
		if !ok {
			target = map[string]interface{}{}
		}
		for k, v := range body {
			target[k] = v
		}
		group[sub] = target
		if on, ok := body["on"]; ok {
			state, _ := store.AsMap(group["state"])
			if state == nil {
				state = map[string]interface{}{}
			}
			state["any_on"] = on
			state["all_on"] = on
			group["state"] = state
		}
		groups[gid] = group
	}
}

// applyGroupMemberLocked propagates body to every light in group id and
// mirrors `on` into the group's derived any_on/all_on.
func (s *Server) applyGroupMemberLocked(id string, body map[string]interface{}) {
	groups := s.store.CollectionLocked(store.CollectionGroups)
	group, ok := store.AsMap(groups[id])
	if !ok {
		return
	}
	if on, ok := body["on"]; ok {
		state, _ := store.AsMap(group["state"])
		if state == nil {
			state = map[string]interface{}{}
		}
		state["any_on"] = on
		state["all_on"] = on
		group["state"] = state
		groups[id] = group
	}

	members, _ := group["lights"].([]interface{})
	for _, m := range members {
		memberID, _ := store.AsString(m)
		s.store.ApplyLightStateLocked(memberID, body)
		s.publishAsync(memberID, body)
	}
}

// publishAndApplyLightLocked is the single-light PUT .../lights/<id>/state
// path: dispatch to the adapter, merge into state (deriving colormode),
// then recompute every containing group's derived stats.
func (s *Server) publishAndApplyLightLocked(id string, body map[string]interface{}) {
	s.publishAsync(id, body)
	s.store.ApplyLightStateLocked(id, body)
	s.store.UpdateGroupStatsLocked(id, time.Now())
}

// putDepth4Locked merges directly into the addressed sub-sub-object
// (spec §4.5: "Depth 4 merges directly").
func (s *Server) putDepth4Locked(collection, id, sub, subsub string, body map[string]interface{}) {
	s.store.MergeLocked(store.Path{collection, id, sub, subsub}, body)
}

// applySensorStateWriteLocked touches sensors_state for every written key
// (backing dx/ddx) and, when flag is among them, invokes the rule engine
// synchronously (§4.5, §8 scenario 6).
func (s *Server) applySensorStateWriteLocked(id string, body map[string]interface{}) {
	now := time.Now()
	for key := range body {
		s.store.Sensors().Touch(id, key, now)
	}
	if _, ok := body["flag"]; ok && s.rules != nil {
		s.rules.EvaluateNow()
	}
}
