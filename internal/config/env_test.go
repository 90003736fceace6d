// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseEnv_FallsBackOnBadValues(t *testing.T) {
	t.Setenv("STREAMREC_T_INT", "twelve")
	t.Setenv("STREAMREC_T_DUR", "5")
	t.Setenv("STREAMREC_T_BOOL", "maybe")
	t.Setenv("STREAMREC_T_EMPTY", "")

	assert.Equal(t, 7, ParseInt("STREAMREC_T_INT", 7))
	assert.Equal(t, time.Second, ParseDuration("STREAMREC_T_DUR", time.Second))
	assert.True(t, ParseBool("STREAMREC_T_BOOL", true))
	assert.Equal(t, "fallback", ParseString("STREAMREC_T_EMPTY", "fallback"))
	assert.Equal(t, "fallback", ParseString("STREAMREC_T_UNSET", "fallback"))
}

func TestParseEnv_ReadsValidValues(t *testing.T) {
	t.Setenv("STREAMREC_T_INT64", "10737418240")
	t.Setenv("STREAMREC_T_DUR", "90s")
	t.Setenv("STREAMREC_T_BOOL", "YES")
	t.Setenv("STREAMREC_T_FLOAT", "0.25")

	assert.Equal(t, int64(10737418240), ParseInt64("STREAMREC_T_INT64", 0))
	assert.Equal(t, 90*time.Second, ParseDuration("STREAMREC_T_DUR", 0))
	assert.True(t, ParseBool("STREAMREC_T_BOOL", false))
	assert.InDelta(t, 0.25, ParseFloat("STREAMREC_T_FLOAT", 0), 1e-9)
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, isSensitive("STREAMREC_S3_SECRET_KEY"))
	assert.True(t, isSensitive("STREAMREC_S3_ACCESS_KEY"))
	assert.True(t, isSensitive("STREAMREC_REDIS_PASSWORD"))
	assert.False(t, isSensitive("STREAMREC_S3_BUCKET"))
}
