package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "maintain [pass]",
		Short: "Run maintenance",
		Long:  "Run one maintenance pass (archive, collapse, evict, compact) or a full cycle when no pass is given. With --watch, keeps running on the configured interval until interrupted.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runMaintain,
	}

	cmd.Flags().Bool("watch", false, "Keep running on the maintenance interval")

	RootCmd.AddCommand(cmd)
}

func runMaintain(cmd *cobra.Command, args []string) {
	watch, _ := cmd.Flags().GetBool("watch")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	if watch {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		svc.Run(ctx)
		return
	}

	ctx := cmd.Context()
	m := svc.Lifecycle()
	var runErr error
	pass := ""
	if len(args) > 0 {
		pass = args[0]
	}
	switch pass {
	case "":
		runErr = m.RunOnce(ctx)
	case "archive":
		runErr = m.ArchivePass(ctx)
	case "collapse":
		runErr = m.CollapsePass(ctx)
	case "evict":
		runErr = m.EvictPass(ctx)
	case "compact":
		runErr = m.CompactPass(ctx)
	default:
		exitErr("maintain", fmt.Errorf("unknown pass %q", pass))
	}
	if runErr != nil {
		exitErr("maintain", runErr)
	}

	fmt.Println(`{"ok":true}`)
}
