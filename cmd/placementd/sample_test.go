package main

import (
	"bytes"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/workerplacement/lib/config"
)

func TestSampleConfigRoundTrip(t *testing.T) {
	var out bytes.Buffer
	sampleCmd.SetOut(&out)
	require.NoError(t, sampleCmd.RunE(sampleCmd, nil))

	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.Load(out.String()))
	require.NoError(t, cfg.Adjust())
	require.Equal(t, sampleConfig().Hosts, cfg.Hosts)
	require.Len(t, cfg.Workloads, 4)
	require.Equal(t, "127.0.0.1:10246", cfg.StatusAddr)
}

func TestOverlayFlags(t *testing.T) {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.String("log-level", "", "")
	flags.String("status-addr", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg := config.NewDefaultConfig()
	cfg.StatusAddr = "127.0.0.1:1"
	overlayFlags(flags, cfg)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "127.0.0.1:1", cfg.StatusAddr)
}
