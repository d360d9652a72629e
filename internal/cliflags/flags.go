// Package cliflags holds the relay flags shared by the binaries.
package cliflags

import (
	"fmt"

	"github.com/guseggert/piperelay/relay"
	"github.com/urfave/cli/v2"
)

const (
	FlagConfig          = "config"
	FlagPollInterval    = "poll-interval"
	FlagMaxPollInterval = "max-poll-interval"
	FlagBufferSize      = "buffer-size"
	FlagProbe           = "probe"
)

// RelayFlags returns fresh flag values, so several commands can share them.
func RelayFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  FlagConfig,
			Usage: "YAML file with relay settings. Flags given explicitly override it.",
		},
		&cli.DurationFlag{
			Name:  FlagPollInterval,
			Usage: "Pause after a poll that moved no bytes.",
			Value: relay.DefaultPollInterval,
		},
		&cli.DurationFlag{
			Name:  FlagMaxPollInterval,
			Usage: "Upper bound for the idle pause, which grows by one poll interval per idle poll. Defaults to the poll interval (no backoff).",
		},
		&cli.IntFlag{
			Name:  FlagBufferSize,
			Usage: "Maximum number of bytes read per stream per poll.",
			Value: relay.DefaultBufferSize,
		},
		&cli.StringFlag{
			Name:  FlagProbe,
			Usage: "How readiness is probed. One of [default,nonblock,peek].",
			Value: relay.ProbeKindDefault.String(),
		},
	}
}

// RelayConfig builds the relay config from --config and any relay flags set explicitly.
func RelayConfig(ctx *cli.Context) (relay.Config, error) {
	var cfg relay.Config
	if path := ctx.String(FlagConfig); path != "" {
		c, err := relay.LoadConfig(path)
		if err != nil {
			return relay.Config{}, err
		}
		cfg = c
	}
	if ctx.IsSet(FlagPollInterval) {
		cfg.PollInterval = ctx.Duration(FlagPollInterval)
	}
	if ctx.IsSet(FlagMaxPollInterval) {
		cfg.MaxPollInterval = ctx.Duration(FlagMaxPollInterval)
	}
	if ctx.IsSet(FlagBufferSize) {
		cfg.BufferSize = ctx.Int(FlagBufferSize)
	}
	if ctx.IsSet(FlagProbe) {
		kind, err := relay.ParseProbeKind(ctx.String(FlagProbe))
		if err != nil {
			return relay.Config{}, err
		}
		cfg.ProbeKind = kind
	}
	if cfg.PollInterval < 0 || cfg.MaxPollInterval < 0 || cfg.BufferSize < 0 {
		return relay.Config{}, fmt.Errorf("relay settings must not be negative")
	}
	return cfg, nil
}
