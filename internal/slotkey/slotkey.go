// Package slotkey implements the deterministic slot identity:
// pending_{targetId}_{profileKey}_{eventStartMillis}. Parsing only ever
// rsplits on the last underscore to recover the start
// millis; targetId/profileKey may themselves contain underscores, so the
// prefix is never split further — membership is checked by reconstructing
// the expected prefix and comparing.
package slotkey

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const prefix = "pending"

// Format builds the canonical slot key for (targetID, profileKey, start).
func Format(targetID, profileKey string, start time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d", prefix, targetID, profileKey, start.UnixMilli())
}

// FormatMillis builds the canonical slot key from a raw millis value.
func FormatMillis(targetID, profileKey string, startMillis int64) string {
	return fmt.Sprintf("%s_%s_%s_%d", prefix, targetID, profileKey, startMillis)
}

// Millis extracts the trailing epoch-millis token via rsplit('_', 1). It
// does not validate the rest of the key's shape.
func Millis(key string) (int64, error) {
	idx := strings.LastIndex(key, "_")
	if idx < 0 || idx == len(key)-1 {
		return 0, fmt.Errorf("slotkey: %q has no trailing millis token", key)
	}
	ms, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("slotkey: %q trailing token is not an integer: %w", key, err)
	}
	return ms, nil
}

// HasPrefix reports whether key's non-millis portion is exactly
// pending_{targetID}_{profileKey}. Because the parts are joined with
// underscores, another (targetID, profileKey) pair that joins to the same
// string (e.g. "a_b"+"c" and "a"+"b_c") also matches.
func HasPrefix(key, targetID, profileKey string) bool {
	return strings.HasPrefix(key, fmt.Sprintf("%s_%s_%s_", prefix, targetID, profileKey))
}

// IsDeterministic reports whether id is exactly the slot key implied by
// (targetID, profileKey, start) — used by normalization step 6 to decide
// whether a record's on-disk id needs replacing.
func IsDeterministic(id, targetID, profileKey string, start time.Time) bool {
	return id == Format(targetID, profileKey, start)
}

// Of returns the canonical slot key together with its start-millis value,
// the shape most callers that just minted a start instant want.
func Of(targetID, profileKey string, start time.Time) (key string, millis int64) {
	millis = start.UnixMilli()
	key = FormatMillis(targetID, profileKey, millis)
	return key, millis
}
