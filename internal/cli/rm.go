package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recallkit/recall/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete memories",
		Long:  "Delete one memory by id, or many by --scope or --tag. Soft by default; --hard removes rows irreversibly.",
		Run:   runRm,
	}

	cmd.Flags().StringP("scope", "s", "", "Retire a whole scope")
	cmd.Flags().StringP("tag", "t", "", "Delete every record carrying this tag")
	cmd.Flags().Bool("hard", false, "Permanent delete (irreversible)")

	RootCmd.AddCommand(cmd)

	restoreCmd := &cobra.Command{
		Use:   "restore [id]",
		Short: "Recover a soft-deleted memory",
		Args:  cobra.ExactArgs(1),
		Run:   runRestore,
	}

	RootCmd.AddCommand(restoreCmd)
}

func runRm(cmd *cobra.Command, args []string) {
	scopeName, _ := cmd.Flags().GetString("scope")
	tag, _ := cmd.Flags().GetString("tag")
	hard, _ := cmd.Flags().GetBool("hard")

	p := memory.DeleteParams{Scope: scopeName, Tag: tag, Hard: hard}
	if len(args) > 0 {
		p.ID = args[0]
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	n, err := svc.Delete(cmd.Context(), p)
	if err != nil {
		exitErr("rm", err)
	}

	fmt.Printf(`{"ok":true,"affected":%d}`+"\n", n)
}

func runRestore(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	if err := svc.Restore(cmd.Context(), args[0]); err != nil {
		exitErr("restore", err)
	}

	fmt.Printf(`{"ok":true,"id":%q}`+"\n", args[0])
}
