package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

var spendCmd = &cobra.Command{
	Use:   "spend",
	Short: "Manage recorded provider spend",
}

var spendRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the cost of a completed request",
	Long: `Record the cost of one completed request against its provider budget.
With the memory ledger backend the spend only lives for this process; use
the sqlite or redis backend to record against a persistent ledger.`,
	RunE: runSpendRecord,
}

func init() {
	rootCmd.AddCommand(spendCmd)
	spendCmd.AddCommand(spendRecordCmd)

	spendRecordCmd.Flags().StringP("provider", "p", "", "LLM provider (e.g., openai, anthropic)")
	spendRecordCmd.Flags().Float64P("cost", "c", 0, "Request cost in USD")
	spendRecordCmd.Flags().String("request-id", "", "Request identifier for logs")
	_ = spendRecordCmd.MarkFlagRequired("provider")
	_ = spendRecordCmd.MarkFlagRequired("cost")
}

func runSpendRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, _ := cmd.Flags().GetString("provider")
	cost, _ := cmd.Flags().GetFloat64("cost")
	requestID, _ := cmd.Flags().GetString("request-id")

	g, err := initGate(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer g.Close()

	ev := model.CompletionEvent{RequestID: requestID, Provider: provider, Cost: &cost}
	if err := g.recorder.Record(cmd.Context(), ev); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	def, ok := g.budgets.Lookup(provider)
	if !ok {
		fmt.Printf("Provider %q has no budget; spend not tracked.\n", provider)
		return nil
	}

	statuses, err := g.recorder.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Recorded spend:\n")
	fmt.Printf("  Provider:  %s\n", provider)
	fmt.Printf("  Cost:      $%.6f\n", cost)
	for _, s := range statuses {
		if s.Provider != def.Provider {
			continue
		}
		fmt.Printf("  Spent:     $%.2f / $%.2f (%s)\n", s.SpendUSD, s.LimitUSD, s.Period)
		fmt.Printf("  Remaining: $%.2f\n", s.Remaining)
	}

	return nil
}
