package main

import (
	"fmt"

	"github.com/mark3labs/espagent/internal/console"
	"github.com/mark3labs/espagent/internal/memory"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/spf13/cobra"
)

var memoryFlags struct {
	limit int
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "List the memories saved for an operator",
	RunE:  runMemory,
}

func init() {
	memoryCmd.Flags().StringVarP(&consoleFlags.user, "user", "u", "", "Operator identity (default: OS user name)")
	memoryCmd.Flags().IntVarP(&memoryFlags.limit, "limit", "l", tools.DefaultRecallLimit, "Maximum number of memories")
}

func runMemory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pool, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer console.Cleanup(pool)

	userID := operator(cfg)
	rt := &tools.Runtime{
		State: &session.TaskState{
			UserID:   userID,
			UserInfo: &session.UserInfo{UserName: userID, AdditionalInfo: cfg.AdditionalInfo},
		},
		Store: memory.NewKVStore(pool),
	}
	out, err := (&tools.RecallMemory{}).Invoke(cmd.Context(), rt, map[string]any{"limit": memoryFlags.limit})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
