// Command archived runs and queries the tiered message archive.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configFlag string
	jsonFlag   bool
)

var rootCmd = &cobra.Command{
	Use:           "archived",
	Short:         "archived - tiered message archive",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket server and the migration scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run one migration cycle and exit",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var recentCmd = &cobra.Command{
	Use:   "recent <channel-id>",
	Short: "List recent messages of a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecent,
}

var statsCmd = &cobra.Command{
	Use:   "stats <channel-id>",
	Short: "Show channel statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search archived messages by meaning",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Find relevant messages across both tiers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runContext,
}

var historyCmd = &cobra.Command{
	Use:   "history <message-id>",
	Short: "Show a message and its edit history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <events.jsonl>",
	Short: "Apply message events from a JSON Lines file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant a question about message history",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

var (
	limitFlag          int
	kFlag              int
	channelFlag        string
	includeDeletedFlag bool
	keywordFlag        bool
	maxBatchesFlag     int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to YAML config")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON output")

	recentCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of messages")
	recentCmd.Flags().BoolVar(&includeDeletedFlag, "deleted", false, "Include deleted messages")

	askCmd.Flags().StringVar(&channelFlag, "channel", "", "Channel the question is about")

	for _, cmd := range []*cobra.Command{searchCmd, contextCmd} {
		cmd.Flags().IntVarP(&kFlag, "top", "k", 5, "Maximum results")
		cmd.Flags().StringVar(&channelFlag, "channel", "", "Restrict to one channel")
	}
	searchCmd.Flags().BoolVar(&keywordFlag, "keyword", false, "Substring search over recent messages instead")

	migrateCmd.Flags().IntVar(&maxBatchesFlag, "max-batches", 0, "Override batches per cycle")

	rootCmd.AddCommand(serveCmd, migrateCmd, recentCmd, statsCmd, searchCmd, contextCmd, historyCmd, ingestCmd, askCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
