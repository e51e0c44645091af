package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/thr3a/discord-bot2/rolebot"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the roleplay bot and (optionally) the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := rolebot.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
