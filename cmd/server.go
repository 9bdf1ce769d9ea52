package cmd

import (
	"PartyFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动PartyFM服务器",
	Long:  `启动PartyFM听歌活动系统的HTTP服务器，提供API服务与WebSocket同步通道`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
