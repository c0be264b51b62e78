package main

import "github.com/urfave/cli/v2"

// Flags mirrors go-ethereum's cmd/utils convention of a flat package
// level var block of cli.Flag values shared between App.Flags and
// individual command wiring.
var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "Path to the gateway enclave's TOML configuration file",
		Required: true,
		EnvVars:  []string{"GATEWAY_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Overrides the config file's log_level (trace|debug|info|warn|error)",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Overrides the config file's metrics_listen_addr",
	}
)
