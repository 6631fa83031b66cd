package cmd

import (
	"log"

	"github.com/ValgulNecron/kasuki-sub002/kasuki"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Kasuki bot, color sync pipeline and API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := kasuki.New(cfg)
			if err != nil {
				log.Fatalf("error creating kasuki: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running kasuki: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
