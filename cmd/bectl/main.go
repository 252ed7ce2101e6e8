package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bectl",
		Short: "betree segment tool",
		Long:  "CLI to format betree segments and inspect, check and edit the trees they hold",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newFormatCmd(),
		newCreateCmd(),
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newDumpCmd(),
		newCheckCmd(),
		newStatsCmd(),
	)

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	if err := rootCmd.PersistentFlags().MarkHidden("debug"); err != nil {
		logrus.Panic(err.Error())
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
