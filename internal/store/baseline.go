package store

import (
	_ "embed"
	"encoding/json"

	"github.com/pkg/errors"
)

//go:embed baseline.json
var baselineJSON []byte

// DatastoreVersion is the fixed Hue v1 datastore version reported by the
// /api/<user>/config and /api/nouser descriptors. The original emulator
// hardcodes this value.
const DatastoreVersion = 59

func newBaselineDocument() (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(baselineJSON, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing bundled baseline document")
	}
	return doc, nil
}
