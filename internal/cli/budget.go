package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/budgetgate/pkg/alerts"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect provider budgets",
}

var budgetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured provider budgets",
	RunE:  runBudgetList,
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current spend against each provider budget",
	RunE:  runBudgetStatus,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetListCmd)
	budgetCmd.AddCommand(budgetStatusCmd)
}

func runBudgetList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := initRegistry(cfg)
	if err != nil {
		return err
	}

	if registry.Len() == 0 {
		fmt.Println("No budgets configured. Add a budgets section to the config file.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROVIDER\tLIMIT\tPERIOD\tWINDOW\n")
	for _, def := range registry.Providers() {
		fmt.Fprintf(w, "%s\t$%.2f\t%s\t%s\n", def.Provider, def.LimitUSD, def.Period, def.TTL)
	}
	w.Flush()

	return nil
}

func runBudgetStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	g, err := initGate(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer g.Close()

	statuses, err := g.recorder.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("budget status: %w", err)
	}

	if len(statuses) == 0 {
		fmt.Println("No budgets configured. Add a budgets section to the config file.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROVIDER\tPERIOD\tLIMIT\tSPENT\tREMAINING\tUSAGE\n")
	for _, s := range statuses {
		status := ""
		switch alerts.LevelFor(s.SpendUSD, s.LimitUSD, cfg.Alerts.ThresholdPct) {
		case alerts.AlertExceeded:
			status = " [EXHAUSTED]"
		case alerts.AlertCritical:
			status = " [CRITICAL]"
		case alerts.AlertWarning:
			status = " [WARNING]"
		}

		fmt.Fprintf(w, "%s\t%s\t$%.2f\t$%.2f\t$%.2f\t%.1f%%%s\n",
			s.Provider, s.Period, s.LimitUSD, s.SpendUSD, s.Remaining, s.UsagePct, status,
		)
	}
	w.Flush()

	return nil
}
