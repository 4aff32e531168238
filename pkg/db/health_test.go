package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPing_NilPool(t *testing.T) {
	assert.EqualError(t, Ping(context.Background(), nil), "pool is nil")
}

func TestConnectWithRetry_InvalidConfigDoesNotRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = ""

	_, err := ConnectWithRetry(context.Background(), cfg, 3, time.Hour)
	assert.ErrorContains(t, err, "database host is required")
}
