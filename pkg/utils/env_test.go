package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvDefaults(t *testing.T) {
	assert.Equal(t, "fallback", Env("UNSET_TEST_KEY", "fallback"))
	assert.Equal(t, 7, EnvInt("UNSET_TEST_KEY", 7))
	assert.Equal(t, uint64(9), EnvUint64("UNSET_TEST_KEY", 9))
	assert.True(t, EnvBool("UNSET_TEST_KEY", true))
	assert.Equal(t, time.Minute, EnvDuration("UNSET_TEST_KEY", time.Minute))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	assert.Equal(t, "value", Env("TEST_STR", "fallback"))

	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, EnvInt("TEST_INT", 7))

	t.Setenv("TEST_BOOL", "true")
	assert.True(t, EnvBool("TEST_BOOL", false))

	t.Setenv("TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, EnvDuration("TEST_DURATION", time.Minute))

	// Bare integers are seconds.
	t.Setenv("TEST_DURATION_BARE", "30")
	assert.Equal(t, 30*time.Second, EnvDuration("TEST_DURATION_BARE", time.Minute))
}

func TestEnvRejectsGarbage(t *testing.T) {
	t.Setenv("TEST_INT", "not a number")
	assert.Equal(t, 7, EnvInt("TEST_INT", 7))

	t.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, EnvDuration("TEST_DURATION", time.Minute))
}
