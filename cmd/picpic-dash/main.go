package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// maybeInjectRootAlias makes a bare invocation behave like "run".
func maybeInjectRootAlias(rootCmd *cobra.Command, inject string) {
	if len(os.Args) > 1 {
		for _, name := range nonRootSubCmds(rootCmd) {
			if os.Args[1] == name {
				return
			}
		}
	}
	os.Args = append([]string{os.Args[0], inject}, os.Args[1:]...)
}

func nonRootSubCmds(rootCmd *cobra.Command) []string {
	res := []string{"help", "--help", "-h", "--version"}
	for _, c := range rootCmd.Commands() {
		res = append(res, c.Name())
		res = append(res, c.Aliases...)
	}
	return res
}

func main() {
	rootCmd := newRootCmd()
	maybeInjectRootAlias(rootCmd, "run")
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("fatal error running picpic-dash")
	}
}
