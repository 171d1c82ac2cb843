package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns a stable query id for a table, a logical key and the
// options that shape the result. The id is "<table>:<hex sha256>" so that
// InvalidatePrefix(table+":") drops every cached query of a table.
// Options are hashed through their JSON encoding; map keys encode sorted.
func Fingerprint(table, key string, options any) string {
	h := sha256.New()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	if options != nil {
		data, err := json.Marshal(options)
		if err != nil {
			data = []byte(fmt.Sprintf("%#v", options))
		}
		h.Write(data)
	}
	return table + ":" + hex.EncodeToString(h.Sum(nil))
}
