package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/spf13/cobra"
)

// topicInfo is implemented by every pubsub.Event.
type topicInfo interface {
	Name() string
	Description() string
}

var busTopics = []topicInfo{
	pubsub.TopicSessionStatus,
	pubsub.TopicPresenceUpdated,
	pubsub.TopicMessagesUpdated,
	pubsub.TopicTypingUpdated,
	pubsub.TopicGroupsUpdated,
}

// TopicDisplay represents a topic for display purposes
type TopicDisplay struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var (
	topicsOutputFormat string
	topicsPrefixFilter string
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the client event topics",
	Long: `List the topics the client publishes on its event bus. A UI subscribes to
these to learn which view needs to be re-read.

Examples:
  chatsync topics                   # table format
  chatsync topics --format json     # JSON format
  chatsync topics --prefix session  # only session.* topics`,
	Run: func(cmd *cobra.Command, args []string) {
		var list []TopicDisplay
		for _, t := range busTopics {
			if topicsPrefixFilter != "" && !strings.HasPrefix(t.Name(), topicsPrefixFilter) {
				continue
			}
			list = append(list, TopicDisplay{Name: t.Name(), Description: t.Description()})
		}

		switch topicsOutputFormat {
		case "json":
			if err := displayTopicsJSON(list); err != nil {
				fail("Failed to encode JSON: %v", err)
			}
		case "table":
			displayTopicsTable(list)
		default:
			fail("Unsupported output format '%s'. Use 'table' or 'json'", topicsOutputFormat)
		}
	},
}

func displayTopicsTable(topics []TopicDisplay) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	fmt.Fprintln(w, "----\t-----------")
	if len(topics) == 0 {
		fmt.Fprintln(w, "No topics found")
		return
	}
	for _, t := range topics {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
}

func displayTopicsJSON(topics []TopicDisplay) error {
	output := struct {
		Topics []TopicDisplay `json:"topics"`
		Count  int            `json:"count"`
	}{
		Topics: topics,
		Count:  len(topics),
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func init() {
	rootCmd.AddCommand(topicsCmd)

	topicsCmd.Flags().StringVarP(&topicsOutputFormat, "format", "f", "table", "Output format (table, json)")
	topicsCmd.Flags().StringVarP(&topicsPrefixFilter, "prefix", "p", "", "Only show topics starting with this prefix")
}
