package store

// Path is a parsed document address: a sequence of map keys, e.g.
// ["lights", "1", "state", "on"] for the HTTP address "/lights/1/state/on".
type Path []string

// ParsePath splits a Hue API-style address ("/lights/1/state/on" or
// "lights/1/state/on") into a Path, dropping empty leading/trailing
// segments.
func ParsePath(address string) Path {
	var out Path
	start := 0
	for i := 0; i <= len(address); i++ {
		if i == len(address) || address[i] == '/' {
			if i > start {
				out = append(out, address[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func getPath(doc map[string]interface{}, path Path) (interface{}, bool) {
	var cur interface{} = doc
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// navigate walks to the map that should directly contain the path's last
// key, creating intermediate maps as needed when create is true. It
// returns that map and the final key.
func navigate(doc map[string]interface{}, path Path, create bool) (map[string]interface{}, string, bool) {
	if len(path) == 0 {
		return nil, "", false
	}
	cur := doc
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key]
		if !ok {
			if !create {
				return nil, "", false
			}
			m := map[string]interface{}{}
			cur[key] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, "", false
		}
		cur = m
	}
	return cur, path[len(path)-1], true
}

func setPath(doc map[string]interface{}, path Path, value interface{}) bool {
	parent, key, ok := navigate(doc, path, true)
	if !ok {
		return false
	}
	parent[key] = value
	return true
}

func deletePath(doc map[string]interface{}, path Path) bool {
	parent, key, ok := navigate(doc, path, false)
	if !ok {
		return false
	}
	if _, exists := parent[key]; !exists {
		return false
	}
	delete(parent, key)
	return true
}

// mergePath shallow-merges patch's keys into the map found (or created) at
// path, mirroring Python's dict.update used throughout the original
// server for PUT/POST bodies.
func mergePath(doc map[string]interface{}, path Path, patch map[string]interface{}) bool {
	parent, key, ok := navigate(doc, path, true)
	if !ok {
		return false
	}
	existing, ok := parent[key].(map[string]interface{})
	if !ok {
		existing = map[string]interface{}{}
	}
	for k, v := range patch {
		existing[k] = v
	}
	parent[key] = existing
	return true
}
