package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/recallkit/recall/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "store [text]",
		Short: "Store a memory",
		Long:  "Store a free-text memory. Text can be a positional arg or piped via stdin.",
		Run:   runStore,
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (default: global)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("source", "manual", "Source: manual, conversation, summary")
	cmd.Flags().String("speaker", "", "Speaker: user, assistant, system")
	cmd.Flags().Bool("important", false, "Exempt from automatic archival and eviction")

	RootCmd.AddCommand(cmd)
}

func runStore(cmd *cobra.Command, args []string) {
	scopeName, _ := cmd.Flags().GetString("scope")
	tagsStr, _ := cmd.Flags().GetString("tags")
	source, _ := cmd.Flags().GetString("source")
	speaker, _ := cmd.Flags().GetString("speaker")
	important, _ := cmd.Flags().GetBool("important")

	var text string
	if len(args) > 0 {
		text = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			text = string(b)
		}
	}

	if strings.TrimSpace(text) == "" {
		exitErr("store", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	rec, err := svc.Store(cmd.Context(), memory.StoreParams{
		Text:      strings.TrimSpace(text),
		Scope:     scopeName,
		Tags:      splitTags(tagsStr),
		Source:    source,
		Speaker:   speaker,
		Important: important,
	})
	if err != nil {
		exitErr("store", err)
	}

	b, _ := json.Marshal(rec)
	fmt.Println(string(b))
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
