package service

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// patchMeta rewrites meta.versionId and meta.lastUpdated inside a JSON
// payload. It returns the patched bytes and true when raw is a JSON object;
// any other payload format is returned untouched with false, deferring the
// patch to read time.
func patchMeta(raw []byte, version int64, lastModified time.Time) ([]byte, bool) {
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return raw, false
	}

	meta, ok := root["meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = strconv.FormatInt(version, 10)
	meta["lastUpdated"] = lastModified.UTC().Format(time.RFC3339Nano)
	root["meta"] = meta

	patched, err := json.Marshal(root)
	if err != nil {
		return raw, false
	}
	return patched, true
}
