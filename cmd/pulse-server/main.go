// Command pulse-server runs the agent session relay: the HTTP + WebSocket
// surface over the event broadcast hub, session store and run coordinator.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pulse/internal/server/bootstrap"
)

// Build metadata, overridden via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the pulse-server command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulse-server",
		Short: "Agent session relay server",
		Long: `pulse-server persists and fans out agent session events.

Configuration resolves flag > environment (PULSE_*) > config file >
built-in default. The config file is pulse.yaml in the working directory
or ~/.pulse/, unless --config points elsewhere.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file path")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// newViper builds the resolver shared by serve and migrate: PULSE_-prefixed
// environment overlaid on the optional config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("pulse")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.pulse")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// lookupFrom adapts a viper instance to the bootstrap EnvLookup contract:
// PULSE_RATE_LIMIT_RPM resolves through the key rate_limit_rpm, which viper
// checks against flags, environment and config file in precedence order.
func lookupFrom(v *viper.Viper) bootstrap.EnvLookup {
	return func(name string) (string, bool) {
		key := strings.ToLower(strings.TrimPrefix(name, "PULSE_"))
		if !v.IsSet(key) {
			return "", false
		}
		return v.GetString(key), true
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pulse-server %s (%s, %s)\n", version, commit, runtime.Version())
		},
	}
}
