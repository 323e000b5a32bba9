package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("CONFIG_PATH", "../config/local.yaml")
	t.Setenv("ATTEND_HTTP_PORT", "9090")
	t.Setenv("ATTEND_EVENT_TIMEOUT", "3s")
	t.Setenv("GRPC_PORT", "9091")

	c, err := loadConfig()
	require.NoError(t, err)

	require.Equal(t, int32(9090), c.HTTP.Port, "prefixed env should override the file")
	require.Equal(t, 3*time.Second, c.Event.Timeout)
	require.Equal(t, int32(8081), c.GRPC.Port, "env without the prefix should be ignored")
	require.Equal(t, 1000, c.Event.PoolSize)
	require.Equal(t, []string{"T-1001", "T-1002", "T-1003"}, c.Session.Teachers)
}

func TestLoadConfig_MissingPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	_, err := loadConfig()
	require.Error(t, err)
}
