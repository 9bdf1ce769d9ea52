package cmd

import (
	"fmt"
	"log"

	"PartyFM/config"
	"PartyFM/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "执行数据库迁移",
	Long:  `建表并同步活动、参与者、队列、投票等表结构到最新版本。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		if err := db.ConnectDB(cfg); err != nil {
			log.Fatalf("无法连接数据库: %v", err)
		}
		defer db.DB.Close()

		if err := db.InitDB(); err != nil {
			log.Fatalf("初始化用户表失败: %v", err)
		}

		if err := db.ConnectGormDB(cfg); err != nil {
			log.Fatalf("无法连接gorm: %v", err)
		}
		defer db.CloseGormDB()

		if err := db.AutoMigrateAll(); err != nil {
			log.Fatalf("迁移失败: %v", err)
		}

		fmt.Println("数据库迁移完成")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
