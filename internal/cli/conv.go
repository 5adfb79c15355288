package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/recallkit/recall/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "conv",
		Short: "Store a conversation from stdin",
		Long:  "Store a whole conversation under one conversation id. Reads stdin line by line; lines formatted \"speaker: text\" set the speaker, anything else is stored as-is.",
		Run:   runConv,
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (default: global)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")

	cmd.AddCommand(&cobra.Command{
		Use:   "show [conversation-id]",
		Short: "Print a conversation's turns in order",
		Args:  cobra.ExactArgs(1),
		Run:   runConvShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		Run:   runConvList,
	})

	RootCmd.AddCommand(cmd)
}

func runConvShow(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	records, err := svc.Conversation(cmd.Context(), args[0])
	if err != nil {
		exitErr("conv show", err)
	}
	out, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(out))
}

func runConvList(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	convs, err := svc.Conversations(cmd.Context())
	if err != nil {
		exitErr("conv list", err)
	}
	out, _ := json.MarshalIndent(convs, "", "  ")
	fmt.Println(string(out))
}

func runConv(cmd *cobra.Command, args []string) {
	scopeName, _ := cmd.Flags().GetString("scope")
	tagsStr, _ := cmd.Flags().GetString("tags")

	var messages []memory.Message
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg := memory.Message{Text: line}
		if speaker, rest, ok := strings.Cut(line, ":"); ok {
			switch strings.TrimSpace(speaker) {
			case "user", "assistant", "system":
				msg.Speaker = strings.TrimSpace(speaker)
				msg.Text = strings.TrimSpace(rest)
			}
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		exitErr("read stdin", err)
	}
	if len(messages) == 0 {
		exitErr("conv", fmt.Errorf("no messages on stdin"))
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	convID, records, err := svc.StoreBatch(cmd.Context(), scopeName, splitTags(tagsStr), messages)
	if err != nil {
		exitErr("conv", err)
	}

	fmt.Printf(`{"ok":true,"conversation_id":%q,"stored":%d}`+"\n", convID, len(records))
}
