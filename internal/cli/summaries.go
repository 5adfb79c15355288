package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "summaries [scope]",
		Short: "List archival summaries",
		Long:  "List the condensed summaries maintenance produced for a scope, newest first.",
		Args:  cobra.ExactArgs(1),
		Run:   runSummaries,
	}

	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSummaries(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	sums, err := svc.Summaries(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("summaries", err)
	}

	if len(sums) == 0 {
		fmt.Println("[]")
		return
	}

	b, _ := json.MarshalIndent(sums, "", "  ")
	fmt.Println(string(b))
}
