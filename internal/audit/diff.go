package audit

import (
	"bytes"
	"sort"

	json "github.com/goccy/go-json"
)

// autoManagedFields are maintained by the storage layer and never count
// as a change.
var autoManagedFields = map[string]struct{}{
	"created_at": {},
	"updated_at": {},
}

// ChangedFields diffs the top-level keys of two record snapshots and
// returns the sorted list of fields whose values differ. Nested values
// are compared by their canonical JSON encoding, so element order inside
// arrays is significant. A value that cannot be encoded counts as
// changed rather than silently dropped.
func ChangedFields(oldValues, newValues map[string]any) []string {
	keys := make(map[string]struct{}, len(oldValues)+len(newValues))
	for k := range oldValues {
		keys[k] = struct{}{}
	}
	for k := range newValues {
		keys[k] = struct{}{}
	}

	var changed []string
	for k := range keys {
		if _, auto := autoManagedFields[k]; auto {
			continue
		}
		oldV, inOld := oldValues[k]
		newV, inNew := newValues[k]
		if inOld != inNew || !jsonEqual(oldV, newV) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
