package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/recallkit/recall/internal/model"
	"github.com/recallkit/recall/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Retrieve memories by meaning",
		Long:  "Hybrid search: keyword matches merged with vector similarity, ranked and deduplicated.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRetrieve,
	}

	cmd.Flags().StringP("scope", "s", "", "Comma-separated scope filter (default: global)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tag filter")
	cmd.Flags().IntP("top-k", "k", 5, "Max results")
	cmd.Flags().String("since", "", "Only records created after this RFC3339 time")
	cmd.Flags().String("until", "", "Only records created before this RFC3339 time")

	RootCmd.AddCommand(cmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	scopesStr, _ := cmd.Flags().GetString("scope")
	tagsStr, _ := cmd.Flags().GetString("tags")
	topK, _ := cmd.Flags().GetInt("top-k")
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")

	var tr model.TimeRange
	var err error
	if since != "" {
		if tr.From, err = time.Parse(time.RFC3339, since); err != nil {
			exitErr("parse --since", err)
		}
	}
	if until != "" {
		if tr.To, err = time.Parse(time.RFC3339, until); err != nil {
			exitErr("parse --until", err)
		}
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	results, err := svc.Retrieve(cmd.Context(), retrieval.Query{
		Text:   strings.Join(args, " "),
		Scopes: splitTags(scopesStr),
		Tags:   splitTags(tagsStr),
		Time:   tr,
		TopK:   topK,
	})
	if err != nil {
		exitErr("retrieve", err)
	}

	if len(results) == 0 {
		fmt.Println("[]")
		return
	}

	b, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(b))
}
