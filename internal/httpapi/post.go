package httpapi

import (
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // the Hue pairing scheme is defined in terms of this digest

	"github.com/stufisher/homiehuebridge/internal/store"
)

// handlePost implements §4.5 POST /api (pairing) and
// POST /api/<user>/<collection> (scan stub or create-with-augmentation).
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, segments []string) {
	body, err := readBody(r)
	if err != nil {
		log.WithError(err).Warn("malformed POST body")
		return
	}
	s.postLocked(w, segments, body)
}

// postLocked is handlePost's core for the real HTTP entry point. Dispatch
// uses postDispatchLocked instead, since postLocked's scan-stub branch
// sleeps unlocked and Dispatch's callers already hold the store lock.
func (s *Server) postLocked(w io.Writer, segments []string, body map[string]interface{}) {
	if len(segments) != 3 {
		if _, ok := body["devicetype"]; ok {
			s.handlePairing(w, body)
		}
		return
	}

	user, collection := segments[1], segments[2]

	s.store.Lock()
	whitelisted := s.store.IsWhitelistedLocked(user)
	if !whitelisted {
		s.store.Unlock()
		writeJSON(w, unauthorized("/"+strings.Join(segments, "/")))
		return
	}
	s.store.Unlock()

	if len(body) == 0 && (collection == store.CollectionLights || collection == store.CollectionSensors) {
		s.handleScan(w, collection)
		return
	}

	s.store.Lock()
	defer s.store.Unlock()
	s.createLocked(w, collection, user, body)
}

// createLocked is the create-with-augmentation half of postLocked,
// assuming the store lock is already held.
func (s *Server) createLocked(w io.Writer, collection, user string, body map[string]interface{}) {
	id := s.store.NewIDLocked(collection)
	augmentCreateBodyLocked(collection, user, body, time.Now())

	members := s.store.CollectionLocked(collection)
	members[id] = body
	s.store.ReplaceCollectionLocked(collection, members)
	s.store.SeedSensorStateLocked()

	if err := s.store.SaveLocked(); err != nil {
		log.WithError(err).Warn("save after create failed")
	}
	writeJSON(w, []map[string]interface{}{{"success": map[string]interface{}{"id": id}}})
}

// postDispatchLocked is Dispatch's POST path, assuming the store lock is
// already held by the caller (the Rule/Schedule Engine's tick or
// EvaluateNow). It supports only create-with-augmentation: the scan stub
// (handleScan) sleeps 7s without holding the lock, which would require
// releasing a lock the caller believes it still owns, and a rule/schedule
// action address is always a concrete resource path (e.g.
// /lights/1/state), never a bare collection with an empty body, so the
// scan branch is unreachable here in practice. Pairing (devicetype POST
// to /api) is likewise not a sensible rule/schedule action and is not
// supported.
func (s *Server) postDispatchLocked(segments []string, body map[string]interface{}) {
	if len(segments) != 3 {
		return
	}
	user, collection := segments[1], segments[2]
	if !s.store.IsWhitelistedLocked(user) {
		return
	}
	s.createLocked(io.Discard, collection, user, body)
}

// handleScan is the no-op device-discovery stub (spec §4.5 + SUPPLEMENTED
// FEATURES): it holds the HTTP response open for a fixed 7s, matching
// scan_for_lights()'s sleep, then reports the fixed "searching" message.
// The scan itself never finds anything: new devices only ever enter
// `lights` through the Light Adapter's Reconcile.
func (s *Server) handleScan(w io.Writer, collection string) {
	time.Sleep(7 * time.Second)
	writeJSON(w, []map[string]interface{}{
		{"success": map[string]interface{}{"/" + collection: "Searching for new devices"}},
	})
}

// augmentCreateBodyLocked applies the per-collection fields the original
// POST handler adds on top of the caller's body before insertion (§4.5).
// Caller must hold the store lock (schedules/rules read config.name-free
// state only, but this keeps all document reads under one discipline).
func augmentCreateBodyLocked(collection, owner string, body map[string]interface{}, now time.Time) {
	switch collection {
	case store.CollectionScenes:
		body["lightstates"] = map[string]interface{}{}
		body["version"] = 2
		body["picture"] = ""
		body["lastupdated"] = store.NowUTC(now)
	case store.CollectionGroups:
		body["action"] = map[string]interface{}{"on": false}
		body["state"] = map[string]interface{}{"any_on": false, "all_on": false}
	case store.CollectionSchedules:
		body["created"] = store.NowLocal(now)
		if lt, ok := body["localtime"].(string); ok {
			if d, ok := store.ParsePTDuration(lt); ok {
				body["starttime"] = store.NowUTC(now.Add(d))
			}
		}
		if _, ok := body["status"]; !ok {
			body["status"] = "enabled"
		}
	case store.CollectionRules:
		body["owner"] = owner
		if _, ok := body["status"]; !ok {
			body["status"] = "enabled"
		}
	case store.CollectionSensors:
		if modelID, _ := body["modelid"].(string); modelID == "PHWA01" {
			body["state"] = map[string]interface{}{"status": 0}
		}
	}
}

// handlePairing implements POST /api {"devicetype": "..."}: trust-on-
// first-contact registration, deterministic from a RIPEMD-160 digest of
// the app name so repeated pairing requests yield the same username.
func (s *Server) handlePairing(w io.Writer, body map[string]interface{}) {
	appName, _ := body["devicetype"].(string)
	if appName == "" {
		return
	}

	h := ripemd160.New()
	h.Write([]byte(appName))
	username := hex.EncodeToString(h.Sum(nil))

	s.store.Lock()
	s.store.WhitelistLocked(username, appName, time.Now())
	if err := s.store.SaveLocked(); err != nil {
		log.WithError(err).Warn("save after pairing failed")
	}
	s.store.Unlock()

	writeJSON(w, []map[string]interface{}{{"success": map[string]interface{}{"username": username}}})
}
