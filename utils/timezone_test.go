package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLocation(t *testing.T) {
	t.Cleanup(func() { SetLocation(DefaultTimezone) })

	require.NoError(t, SetLocation("UTC"))
	assert.Equal(t, time.UTC, GlobalLocation)

	// 无效时区保留原有设置
	assert.Error(t, SetLocation("Mars/Olympus_Mons"))
	assert.Equal(t, time.UTC, GlobalLocation)

	require.NoError(t, SetLocation(""))
	ts := time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)
	local := ToConfiguredTimezone(ts)
	assert.Equal(t, 10, local.Hour())
	assert.True(t, local.Equal(ts))

	assert.True(t, ToConfiguredTimezone(time.Time{}).IsZero())
	assert.Equal(t, time.UTC, NowUTC().Location())
}
