package cmd

import (
	"fmt"
	"log"
	"os"

	"PartyFM/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "partyfm_server",
	Short: "PartyFM is a synchronized listening party service.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting PartyFM server...")
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
