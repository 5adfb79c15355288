package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "User profile facts",
		Long:  "Manage the user profile: a key/value fact map that never ages out.",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all profile facts",
		Run:   runProfileList,
	}

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a profile fact",
		Args:  cobra.ExactArgs(2),
		Run:   runProfileSet,
	}
	setCmd.Flags().String("category", "", "Fact category, e.g. preference or identity")

	rmCmd := &cobra.Command{
		Use:   "rm [key]",
		Short: "Remove a profile fact",
		Args:  cobra.ExactArgs(1),
		Run:   runProfileRm,
	}

	profileCmd.AddCommand(listCmd, setCmd, rmCmd)
	RootCmd.AddCommand(profileCmd)
}

func runProfileList(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	facts, err := svc.Profile(cmd.Context())
	if err != nil {
		exitErr("profile list", err)
	}

	b, _ := json.MarshalIndent(facts, "", "  ")
	fmt.Println(string(b))
}

func runProfileSet(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	if err := svc.RememberFact(cmd.Context(), args[0], args[1], category); err != nil {
		exitErr("profile set", err)
	}

	fmt.Printf(`{"ok":true,"key":%q}`+"\n", args[0])
}

func runProfileRm(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	if err := svc.ForgetFact(cmd.Context(), args[0]); err != nil {
		exitErr("profile rm", err)
	}

	fmt.Printf(`{"ok":true,"key":%q}`+"\n", args[0])
}
