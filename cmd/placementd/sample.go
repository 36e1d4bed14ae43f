package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/model"
)

var sampleCmd = &cobra.Command{
	Use:   "print-sample-config",
	Short: "Print a config file with two hosts and a few workloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := sampleConfig()
		if err := cfg.Adjust(); err != nil {
			return err
		}
		text, err := cfg.Toml()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sampleCmd)
}

func sampleConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.StatusAddr = "127.0.0.1:10246"
	cfg.Hosts = []string{
		model.IsolatedRemoteTypePrefix + "https://example.com",
		model.IsolatedRemoteTypePrefix + "https://example.org",
	}
	cfg.Workloads = []config.WorkloadConfig{
		{Origin: "https://example.com", SiteOrigin: "https://example.com", Kind: "service", Count: 2},
		{Origin: "https://example.org", SiteOrigin: "https://example.org", Kind: "shared"},
		{Origin: "https://isolated.example", SiteOrigin: "https://isolated.example", Kind: "shared", CrossOriginIsolated: true},
		{Principal: "system", Kind: "shared"},
	}
	return cfg
}
