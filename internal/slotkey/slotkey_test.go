package slotkey

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAndMillis(t *testing.T) {
	start := time.Date(2026, 1, 2, 19, 0, 0, 0, time.UTC)
	key := Format("target_1", "profile_a", start)
	assert.Equal(t, "pending_target_1_profile_a_"+strconv.FormatInt(start.UnixMilli(), 10), key)

	ms, err := Millis(key)
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), ms)
}

func TestHasPrefixSurvivesUnderscoresInIDs(t *testing.T) {
	start := time.Now()
	key := Format("group_with_under_scores", "profile_key", start)
	assert.True(t, HasPrefix(key, "group_with_under_scores", "profile_key"))
	assert.False(t, HasPrefix(key, "group_with_under", "scores_profile_key"))
}

func TestIsDeterministic(t *testing.T) {
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	good := Format("t", "p", start)
	assert.True(t, IsDeterministic(good, "t", "p", start))
	assert.False(t, IsDeterministic("legacy-id-123", "t", "p", start))
}

func TestMillisRejectsMalformedKey(t *testing.T) {
	_, err := Millis("pending_t_p_")
	assert.Error(t, err)
	_, err = Millis("no-underscore")
	assert.Error(t, err)
}
