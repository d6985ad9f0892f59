package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/cortex/internal/engine"
)

const requestTimeout = 2 * time.Minute

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// --- add command ---

var (
	addTitle string
	addTags  []string
)

var addCmd = &cobra.Command{
	Use:   "add [text]",
	Short: "Add a note",
	Long:  "Add a note to the graph. With no arguments the note is read from stdin.",
	RunE:  runAdd,
}

func runAdd(cmd *cobra.Command, args []string) error {
	content := strings.Join(args, " ")
	if content == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = string(data)
	}

	ctx, cancel := requestContext()
	defer cancel()
	res, err := client().AddNote(ctx, content, addTitle, addTags)
	if err != nil {
		return fmt.Errorf("add note: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Added note %q (%s)\n", res.Note.Name, res.Note.ID)
	for _, n := range res.Entities {
		fmt.Fprintf(out, "  %-12s %s\n", n.Type, n.Name)
	}
	fmt.Fprintf(out, "%d entities, %d edges\n", len(res.Entities), len(res.Edges))
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return nil
}

// --- query command ---

var (
	queryLLM   bool
	queryLimit int
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Query the graph",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	res, err := client().Query(ctx, engine.QueryRequest{
		Query:      strings.Join(args, " "),
		UseLLM:     queryLLM,
		MaxResults: queryLimit,
	})
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(res.Nodes) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	if res.Response != nil {
		fmt.Fprintln(out, *res.Response)
		fmt.Fprintln(out)
	}
	for i, n := range res.Nodes {
		fmt.Fprintf(out, "%d. [%.3f] %s (%s)\n", i+1, n.Score, n.Name, n.Type)
	}
	source := "template"
	if res.UsedLLM {
		source = "llm"
	}
	fmt.Fprintf(out, "\n%d nodes, %d edges traversed, %.1fms, answer from %s\n", len(res.Nodes), len(res.Edges), res.LatencyMS, source)
	return nil
}

// --- import command ---

var importClear bool

var importCmd = &cobra.Command{
	Use:   "import [vault]",
	Short: "Import an Obsidian vault",
	Long:  "Import every markdown note under a vault directory. The import runs on the server; progress is streamed on /api/events.",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	total, err := client().Import(ctx, args[0], importClear)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Importing %d markdown files from %s\n", total, args[0])
	return nil
}

// --- state command ---

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show graph size and query metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		s, err := client().State(ctx)
		if err != nil {
			return fmt.Errorf("state: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "nodes:        %d\n", s.NodeCount)
		fmt.Fprintf(out, "edges:        %d\n", s.EdgeCount)
		fmt.Fprintf(out, "queries:      %d\n", s.TotalQueries)
		fmt.Fprintf(out, "llm calls:    %d\n", s.LLMCalls)
		fmt.Fprintf(out, "avg latency:  %.1fms\n", s.AvgLatencyMS)
		return nil
	},
}

// --- adaptations command ---

var adaptationsLimit int

var adaptationsCmd = &cobra.Command{
	Use:   "adaptations",
	Short: "Show recent structural changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		recs, err := client().Adaptations(ctx, adaptationsLimit)
		if err != nil {
			return fmt.Errorf("adaptations: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No adaptations yet.")
			return nil
		}
		for _, r := range recs {
			fmt.Fprintf(out, "%s  %-16s %s\n", r.Timestamp.Local().Format(time.DateTime), r.EventType, r.Description)
		}
		return nil
	},
}

// --- merge command ---

var mergeCmd = &cobra.Command{
	Use:   "merge [keep-id] [merge-id...]",
	Short: "Merge duplicate nodes into one",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		res, err := client().Merge(ctx, args[0], args[1:])
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Merged %d nodes into %q, %d edges re-pointed, %d collapsed\n",
			len(res.Removed), res.Node.Name, len(res.Retargeted), len(res.CollapsedEdges))
		return nil
	},
}

// --- edge commands ---

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Confirm or reject inferred edges",
}

var edgeConfirmCmd = &cobra.Command{
	Use:   "confirm [edge-id]",
	Short: "Pin an edge so it stops decaying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		e, err := client().ConfirmEdge(ctx, args[0])
		if err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Confirmed %s edge %s (weight %.2f)\n", e.Relation, e.ID, e.Weight)
		return nil
	},
}

var edgeRejectCmd = &cobra.Command{
	Use:   "reject [edge-id]",
	Short: "Delete an inferred edge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		e, err := client().RejectEdge(ctx, args[0])
		if err != nil {
			return fmt.Errorf("reject: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s edge %s\n", e.Relation, e.ID)
		return nil
	},
}

// --- schema commands ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and govern entity types",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		types, err := client().Types(ctx)
		if err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, t := range types {
			origin := ""
			if t.EvolvedFrom != "" {
				origin = " (from " + t.EvolvedFrom + ")"
			}
			fmt.Fprintf(out, "  %-20s %5d%s\n", t.Name, t.Count, origin)
		}
		return nil
	},
}

var proposalStatus string

var schemaProposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List type proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		props, err := client().Proposals(ctx, proposalStatus)
		if err != nil {
			return fmt.Errorf("proposals: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(props) == 0 {
			fmt.Fprintln(out, "No proposals.")
			return nil
		}
		for _, p := range props {
			fmt.Fprintf(out, "%s  %-8s %s (%d nodes, cohesion %.2f, separation %.2f)\n",
				p.ID, p.Status, p.Describe(), len(p.NodeIDs), p.Cohesion, p.Separation)
		}
		return nil
	},
}

var schemaEvolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run a schema evolution pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		props, err := client().Evolve(ctx)
		if err != nil {
			return fmt.Errorf("evolve: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d new proposals\n", len(props))
		for _, p := range props {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", p.ID, p.Describe())
		}
		return nil
	},
}

func decideCmd(use, short string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [proposal-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()
			p, err := client().DecideProposal(ctx, args[0], approve)
			if err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.Status, p.Describe())
			return nil
		},
	}
}

func init() {
	addCmd.Flags().StringVarP(&addTitle, "title", "t", "", "Note title")
	addCmd.Flags().StringSliceVar(&addTags, "tag", nil, "Tag (repeatable)")

	queryCmd.Flags().BoolVar(&queryLLM, "llm", false, "Synthesize an answer with the language model")
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "Maximum number of nodes (default from config)")

	importCmd.Flags().BoolVar(&importClear, "clear", false, "Clear the graph before importing")

	adaptationsCmd.Flags().IntVarP(&adaptationsLimit, "limit", "n", 20, "Number of entries")

	edgeCmd.AddCommand(edgeConfirmCmd)
	edgeCmd.AddCommand(edgeRejectCmd)

	schemaProposalsCmd.Flags().StringVar(&proposalStatus, "status", "", "Filter by status (PROPOSED, APPROVED, REJECTED)")
	schemaCmd.AddCommand(schemaProposalsCmd)
	schemaCmd.AddCommand(schemaEvolveCmd)
	schemaCmd.AddCommand(decideCmd("approve", "Approve a type proposal", true))
	schemaCmd.AddCommand(decideCmd("reject", "Reject a type proposal", false))
}
