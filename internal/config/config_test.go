package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("S3_DATA_ROOT", "")
	t.Setenv("S3_ACCESS_KEY", "")
	t.Setenv("S3_LISTEN_PORT", "")
	t.Setenv("HOME", "/home/tester")

	cfg := Load()
	require.Equal(t, "/home/tester/s3data", cfg.DataRoot)
	require.Equal(t, "testkey", cfg.AccessKey)
	require.EqualValues(t, 8080, cfg.ListenPort)
	require.EqualValues(t, 65536, cfg.BufferPayloadSize)
	require.EqualValues(t, 1024, cfg.BufferCount)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("S3_DATA_ROOT", "/srv/s3")
	t.Setenv("S3_LISTEN_PORT", "9090")
	t.Setenv("S3_BUFFER_COUNT", "256")

	cfg := Load()
	require.Equal(t, "/srv/s3", cfg.DataRoot)
	require.EqualValues(t, 9090, cfg.ListenPort)
	require.EqualValues(t, 256, cfg.BufferCount)
}

func TestExpandTildeLeavesOtherUserForms(t *testing.T) {
	require.Equal(t, "~otheruser/data", expandTilde("~otheruser/data"))
}

func TestParsePortRejectsOutOfRange(t *testing.T) {
	require.EqualValues(t, 8080, parsePort("70000", 8080))
	require.EqualValues(t, 8080, parsePort("not-a-number", 8080))
}
