package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pulse/internal/server/bootstrap"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Start the relay: REST command surface, per-session WebSocket streams,
health and metrics endpoints, and the background summary worker.

The default configuration serves from an in-memory store with the
scripted runner, which is the development mode. Point --store at sqlite
or postgres for durable sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			if err := bindServeFlags(v, cmd); err != nil {
				return err
			}

			cfg, err := bootstrap.Load(lookupFrom(v))
			if err != nil {
				return err
			}

			obsConfig, _ := cmd.Flags().GetString("observability-config")
			return bootstrap.RunServer(cfg, obsConfig)
		},
	}

	// All value flags are strings so an untouched flag never shadows the
	// env, config file, or built-in default behind it: viper falls back to
	// a bound flag's zero default, and "" is the one zero Load treats as
	// unset.
	flags := cmd.Flags()
	flags.String("port", "", "Listen port")
	flags.String("env", "", "Environment name (development, production)")
	flags.String("store", "", "Session store backend (memory, sqlite, postgres)")
	flags.String("sqlite-path", "", "SQLite database file")
	flags.String("database-url", "", "Postgres connection string")
	flags.String("runner", "", "Run collaborator (scripted)")
	flags.String("cors-allowed-origins", "", "Comma-separated CORS origin allowlist")
	flags.String("rate-limit-rpm", "", "Submit rate limit, requests per minute per client")
	flags.String("rate-limit-burst", "", "Submit rate limit burst")
	flags.String("request-timeout", "", "Non-stream request timeout (e.g. 30s)")
	flags.String("replay-limit", "", "History events replayed on stream open")
	flags.String("interrupt-grace", "", "Grace period for interrupted runs (e.g. 5s)")
	flags.String("max-concurrent-runs", "", "Concurrent run admission limit")
	flags.String("shutdown-timeout", "", "Drain budget on SIGINT/SIGTERM (e.g. 10s)")
	flags.String("observability-config", "", "Observability YAML config path")

	return cmd
}

// bindServeFlags layers changed flags on top of env and config file values.
func bindServeFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := []string{
		"port",
		"env",
		"store",
		"sqlite-path",
		"database-url",
		"runner",
		"cors-allowed-origins",
		"rate-limit-rpm",
		"rate-limit-burst",
		"request-timeout",
		"replay-limit",
		"interrupt-grace",
		"max-concurrent-runs",
		"shutdown-timeout",
	}
	for _, name := range bindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		// The viper key matches what the env replacer produces for the
		// PULSE_ variable: dashes become underscores.
		if err := v.BindPFlag(viperKey(name), flag); err != nil {
			return err
		}
	}
	return nil
}

func viperKey(flagName string) string {
	out := make([]byte, len(flagName))
	for i := 0; i < len(flagName); i++ {
		if flagName[i] == '-' {
			out[i] = '_'
		} else {
			out[i] = flagName[i]
		}
	}
	return string(out)
}
