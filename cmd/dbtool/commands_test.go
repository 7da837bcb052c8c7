package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

func TestGrantExpiry(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)

	exp, err := grantExpiry(now, 0)
	require.NoError(t, err)
	assert.Nil(t, exp)

	exp, err = grantExpiry(now, 7)
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC), *exp)

	_, err = grantExpiry(now, -1)
	require.Error(t, err)
}

func TestPrintEntitlement(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	expired := "2026-01-01T00:00:00Z"
	test := "test"

	var buf bytes.Buffer
	require.NoError(t, printEntitlement(&buf, "u1", &models.Subscription{
		Status: "active", Plan: "pro", ProSource: &test, TestProExpiresAt: &expired,
	}, now))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "cancelled", out["effective_status"])
	assert.Equal(t, false, out["is_pro"])
	assert.Equal(t, "test", out["pro_source"])
}

func TestPrintEntitlementWithoutRow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printEntitlement(&buf, "u2", nil, time.Now()))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "free", out["effective_status"])
	assert.Equal(t, false, out["is_pro"])
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"migrate", "up"}, {"migrate", "fix"}, {"migrate", "force"}, {"migrate", "status"},
		{"grant-test-pro"}, {"revoke-pro"}, {"entitlement"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
