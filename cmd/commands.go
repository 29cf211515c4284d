package main

import "github.com/spf13/cobra"

var (
	rootCmd = &cobra.Command{
		Use:           "scsilink",
		Short:         "scsilink SCSI ethernet driver.",
		Long:          ``,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

var confFile string
var confInterface string
var confDebug bool

func init() {
	rootCmd.PersistentFlags().StringVarP(&confFile, "conf", "c", "scsilink.hcl", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&confInterface, "interface", "i", "en0", "Interface to use")
	rootCmd.PersistentFlags().BoolVarP(&confDebug, "debug", "d", false, "Debug logging (trace)")
}

func Execute() error {
	return rootCmd.Execute()
}
