package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/store"
)

var (
	severityStyles = map[core.EscalationSeverity]lipgloss.Style{
		core.SeverityLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6")),
		core.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		core.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		core.SeverityCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true),
	}
)

func styledSeverity(sev core.EscalationSeverity) string {
	if style, ok := severityStyles[sev]; ok {
		return style.Render(string(sev))
	}
	return string(sev)
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "Manage the human escalation queue",
}

var escalationsListRun string
var escalationsListSearch string

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open escalations",
	RunE:  runEscalationsList,
}

var escalationsResolveBy string

var escalationsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <resolution>",
	Short: "Mark an escalation resolved",
	Args:  cobra.ExactArgs(2),
	RunE:  runEscalationsResolve,
}

var escalationsDismissCmd = &cobra.Command{
	Use:   "dismiss <id> <reason>",
	Short: "Dismiss an escalation without resolving it",
	Args:  cobra.ExactArgs(2),
	RunE:  runEscalationsDismiss,
}

func init() {
	escalationsListCmd.Flags().StringVar(&escalationsListRun, "run", "", "filter to a single run id")
	escalationsListCmd.Flags().StringVar(&escalationsListSearch, "search", "", "fuzzy-filter by escalation message")

	escalationsResolveCmd.Flags().StringVar(&escalationsResolveBy, "by", "operator", "who resolved this escalation")

	escalationsCmd.AddCommand(escalationsListCmd, escalationsResolveCmd, escalationsDismissCmd)
	rootCmd.AddCommand(escalationsCmd)
}

// escalationStore builds just the escalation.Store, skipping the rest of
// build()'s orchestrator graph: these subcommands only ever touch the
// escalation queue file.
func escalationStore() *escalation.Store {
	st := store.New()
	return escalation.New(filepath.Join(cfg.Paths.DataRoot, "escalations.json"), st)
}

func runEscalationsList(cmd *cobra.Command, _ []string) error {
	escs := escalationStore()

	var list []*core.Escalation
	var err error
	if escalationsListRun != "" {
		list, err = escs.ByRun(core.RunID(escalationsListRun))
	} else {
		list, err = escs.ListOpen()
	}
	if err != nil {
		return fmt.Errorf("listing escalations: %w", err)
	}

	if escalationsListSearch != "" {
		messages := make([]string, len(list))
		for i, e := range list {
			messages[i] = e.Message
		}
		matches := fuzzy.Find(escalationsListSearch, messages)
		filtered := make([]*core.Escalation, len(matches))
		for i, match := range matches {
			filtered[i] = list[match.Index]
		}
		list = filtered
	}

	if len(list) == 0 {
		fmt.Println("no matching escalations")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRUN\tPHASE\tSEVERITY\tSTATUS\tMESSAGE")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.RunID, e.PhaseNumber, styledSeverity(e.Severity), e.Status, e.Message)
	}
	return w.Flush()
}

func runEscalationsResolve(_ *cobra.Command, args []string) error {
	escs := escalationStore()
	e, err := escs.Resolve(args[0], args[1], escalationsResolveBy)
	if err != nil {
		return fmt.Errorf("resolving escalation: %w", err)
	}
	fmt.Printf("escalation %s resolved by %s\n", e.ID, escalationsResolveBy)
	return nil
}

func runEscalationsDismiss(_ *cobra.Command, args []string) error {
	escs := escalationStore()
	e, err := escs.Dismiss(args[0], args[1])
	if err != nil {
		return fmt.Errorf("dismissing escalation: %w", err)
	}
	fmt.Printf("escalation %s dismissed\n", e.ID)
	return nil
}
