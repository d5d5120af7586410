package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"picpic-dash/internal/config"
)

var version = "dev"

type app struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	cmd := &cobra.Command{
		Use:           "picpic-dash",
		Short:         "operations dashboard for the picpic job orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.BindEnv(a.v)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	flags.String("log-level", "info", "set the logging level (debug, info, warn, error)")
	flags.Bool("color", true, "enable colored output")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log.color", flags.Lookup("color"))

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(a))
	return cmd
}
