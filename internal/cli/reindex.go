package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector index",
		Long:  "Re-embed every active record and rewrite its index entry. Use after losing the index directory or switching embedding providers.",
		Run:   runReindex,
	}

	RootCmd.AddCommand(cmd)
}

func runReindex(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	n, err := svc.RebuildIndex(cmd.Context())
	if err != nil {
		exitErr("reindex", err)
	}

	fmt.Printf(`{"ok":true,"indexed":%d}`+"\n", n)
}
