package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	scopesCmd := &cobra.Command{
		Use:   "scopes",
		Short: "Scope management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all scopes",
		Run:   runScopesList,
	}

	addCmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Create a scope",
		Args:  cobra.ExactArgs(1),
		Run:   runScopesAdd,
	}
	addCmd.Flags().String("desc", "", "Description")

	deactivateCmd := &cobra.Command{
		Use:   "deactivate [name]",
		Short: "Mark a scope inactive without deleting its records",
		Args:  cobra.ExactArgs(1),
		Run:   runScopesDeactivate,
	}

	retireCmd := &cobra.Command{
		Use:   "retire [name]",
		Short: "Delete a scope and every record in it",
		Long:  "Atomically transitions all the scope's records to deleted, drops its index entries, and removes the scope itself.",
		Args:  cobra.ExactArgs(1),
		Run:   runScopesRetire,
	}

	scopesCmd.AddCommand(listCmd, addCmd, deactivateCmd, retireCmd)
	RootCmd.AddCommand(scopesCmd)
}

func runScopesList(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	rows, err := svc.Scopes().List(cmd.Context())
	if err != nil {
		exitErr("list scopes", err)
	}

	b, _ := json.MarshalIndent(rows, "", "  ")
	fmt.Println(string(b))
}

func runScopesAdd(cmd *cobra.Command, args []string) {
	desc, _ := cmd.Flags().GetString("desc")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	if err := svc.Scopes().Ensure(cmd.Context(), args[0], desc); err != nil {
		exitErr("add scope", err)
	}

	fmt.Printf(`{"ok":true,"scope":%q}`+"\n", args[0])
}

func runScopesDeactivate(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	if err := svc.Scopes().SetActive(cmd.Context(), args[0], false); err != nil {
		exitErr("deactivate scope", err)
	}

	fmt.Printf(`{"ok":true,"scope":%q,"active":false}`+"\n", args[0])
}

func runScopesRetire(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	n, err := svc.Lifecycle().RetireScope(cmd.Context(), args[0])
	if err != nil {
		exitErr("retire scope", err)
	}

	fmt.Printf(`{"ok":true,"scope":%q,"records":%d}`+"\n", args[0], n)
}
