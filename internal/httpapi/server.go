// Package httpapi is the HTTP API Server (spec §4.5): it serves
// /description.xml and the Hue v1 `/api/...` tree over the single
// shared Config Store, performing whitelist authentication and
// dispatching light/group changes to the Light Adapter. Grounded on
// HueHTTPServer.py's do_GET/do_POST/do_PUT/do_DELETE dispatch, rebuilt
// as a single net/http.Handler with one method per HTTP verb instead of
// BaseHTTPRequestHandler's instance methods.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/stufisher/homiehuebridge/internal/logging"
	"github.com/stufisher/homiehuebridge/internal/store"
)

// Dispatcher is the capability the Rule/Schedule Engine needs to carry out
// an action's {address, method, body} (spec §4.4 rule/schedule actions).
// The engine declares its own copy of this shape; Server satisfies it
// structurally, so rules never imports httpapi (spec §9: no back-pointers).
type Dispatcher interface {
	Dispatch(owner, method, address string, body map[string]interface{})
}

var log = logging.WithComponent("httpapi")

// LightPublisher is the Light Adapter's outbound half, invoked whenever
// a light's state changes via the HTTP API (spec §4.3). Declared here,
// not imported, so the server depends on a capability instead of on the
// lightadapter package directly (spec §9 Design Notes: no back-pointers).
type LightPublisher interface {
	OnLightPut(lightID string, changes map[string]interface{})
}

// RuleTrigger lets a sensor state.flag PUT synchronously invoke one
// rule-engine evaluation pass, matching rules_processor() being called
// inline from do_PUT rather than waiting for the next tick.
type RuleTrigger interface {
	EvaluateNow()
}

// Server is the Hue v1 REST API surface plus /description.xml.
type Server struct {
	store     *store.Store
	publisher LightPublisher
	rules     RuleTrigger

	ip    string
	port  int
	mac12 string
}

// New builds a Server. publisher and rules may be nil in tests that
// don't exercise light-state or sensor-flag PUTs.
func New(st *store.Store, publisher LightPublisher, rules RuleTrigger, ip string, port int, mac12 string) *Server {
	return &Server{
		store:     st,
		publisher: publisher,
		rules:     rules,
		ip:        ip,
		port:      port,
		mac12:     mac12,
	}
}

// SetRuleTrigger installs the Rule/Schedule Engine after construction,
// for the bridge wiring order where the Engine is itself built with this
// Server as its Dispatcher (each needs a reference to the other).
func (s *Server) SetRuleTrigger(rules RuleTrigger) {
	s.rules = rules
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)

	if r.URL.Path == "/description.xml" {
		io.WriteString(w, descriptionXML(s.ip, s.port, s.mac12))
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, segments)
	case http.MethodPost:
		s.handlePost(w, r, segments)
	case http.MethodPut:
		s.handlePut(w, r, segments)
	case http.MethodDelete:
		s.handleDelete(w, segments)
	}
}

// Dispatch runs a rule or schedule action's {address, method, body}
// in-process, short-circuiting the original bridge's HTTP loopback to
// 127.0.0.1 (SUPPLEMENTED FEATURES: send_request) while preserving its
// whitelist check against owner and its success/error response shape.
// Any response body is discarded; rule/schedule actions fire-and-forget.
//
// Both of Dispatch's callers — the Rule/Schedule Engine's tick loop and
// its EvaluateNow, invoked synchronously from a sensor state.flag PUT —
// already hold the Store lock for the whole of their unit of work, so
// Dispatch must not take it again: the store's coarse lock
// (internal/store/store.go) wraps a plain, non-reentrant sync.Mutex, and
// a second Lock call from the same goroutine would block forever,
// hanging the tick loop (and, downstream, every other HTTP request)
// permanently. Dispatch therefore calls the *Core variants directly,
// which assume the lock is already held, instead of the locking
// wrappers ServeHTTP uses for real requests.
func (s *Server) Dispatch(owner, method, address string, body map[string]interface{}) {
	segments := append([]string{"api", owner}, splitPath(address)...)
	var sink io.Writer = io.Discard

	switch method {
	case http.MethodGet:
		s.getCore(sink, segments)
	case http.MethodPut:
		s.putCore(sink, segments, body)
	case http.MethodPost:
		s.postDispatchLocked(segments, body)
	case http.MethodDelete:
		s.deleteCore(sink, segments)
	}
}

// splitPath mirrors the original's self.path.split("/"): segments[0] is
// always "api" for any request under the tree (the leading "" from the
// split on the initial "/" is dropped).
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func unauthorized(path string) []map[string]interface{} {
	return []map[string]interface{}{
		{"error": map[string]interface{}{
			"type":        1,
			"address":     path,
			"description": "unauthorized user",
		}},
	}
}

func writeJSON(w io.Writer, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Warn("encoding response failed")
		return
	}
	w.Write(raw)
}

func readBody(r *http.Request) (map[string]interface{}, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading request body")
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, "decoding request body")
	}
	return body, nil
}

// handleGet implements §4.5 GET /api/<user>[/p1[/p2[/p3]]] plus the
// nouser/config public descriptor and description.xml handled above.
func (s *Server) handleGet(w io.Writer, segments []string) {
	s.store.Lock()
	defer s.store.Unlock()
	s.getCore(w, segments)
}

// getCore is handleGet's body, assuming the store lock is already held.
// Dispatch calls this directly since its callers (the Rule/Schedule
// Engine's tick and EvaluateNow) already hold that lock.
func (s *Server) getCore(w io.Writer, segments []string) {
	if len(segments) < 2 {
		return
	}
	user := segments[1]

	if user == "nouser" || user == "config" {
		writeJSON(w, s.publicConfigLocked())
		return
	}

	if !s.store.IsWhitelistedLocked(user) {
		writeJSON(w, unauthorized("/"+strings.Join(segments, "/")))
		return
	}

	s.store.RefreshClockLocked(time.Now())

	switch len(segments) {
	case 2:
		writeJSON(w, s.store.Document())
		return
	case 4:
		if segments[3] == "new" {
			writeJSON(w, map[string]interface{}{"lastscan": store.NowLocal(time.Now())})
			return
		}
	}

	path := store.Path(segments[2:])
	v, ok := s.store.GetLocked(path)
	if !ok {
		writeJSON(w, map[string]interface{}{})
		return
	}
	writeJSON(w, v)
}

func (s *Server) publicConfigLocked() map[string]interface{} {
	cfg := s.store.CollectionLocked(store.CollectionConfig)
	return map[string]interface{}{
		"name":             cfg["name"],
		"datastoreversion": store.DatastoreVersion,
		"swversion":        cfg["swversion"],
		"apiversion":       cfg["apiversion"],
		"mac":              cfg["mac"],
		"bridgeid":         cfg["bridgeid"],
		"factorynew":       false,
		"modelid":          cfg["modelid"],
	}
}

func (s *Server) handleDelete(w io.Writer, segments []string) {
	s.store.Lock()
	defer s.store.Unlock()
	s.deleteCore(w, segments)
}

// deleteCore is handleDelete's body, assuming the store lock is already
// held. Dispatch calls this directly for the same reason as getCore.
func (s *Server) deleteCore(w io.Writer, segments []string) {
	if len(segments) < 4 {
		return
	}
	user, collection, id := segments[1], segments[2], segments[3]

	if !s.store.IsWhitelistedLocked(user) {
		writeJSON(w, unauthorized("/"+strings.Join(segments, "/")))
		return
	}

	s.store.DeleteLocked(store.Path{collection, id})
	if err := s.store.SaveLocked(); err != nil {
		log.WithError(err).Warn("save after delete failed")
	}
	writeJSON(w, []map[string]interface{}{
		{"success": "/" + collection + "/" + id + " deleted."},
	})
}
