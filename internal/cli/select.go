package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/budgetgate/pkg/admission"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Run the admission filter over a deployment list",
	Long: `Read candidate deployments from a YAML file, filter them by provider budget,
and print the selected deployment with the reason each excluded one was
removed. The file holds either a list of deployments or a map with a
"deployments" key.`,
	RunE: runSelect,
}

func init() {
	rootCmd.AddCommand(selectCmd)

	selectCmd.Flags().StringP("file", "f", "", "YAML file with candidate deployments")
	selectCmd.Flags().Bool("json", false, "Print the full decision as JSON")
	_ = selectCmd.MarkFlagRequired("file")
}

func runSelect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("file")
	asJSON, _ := cmd.Flags().GetBool("json")

	candidates, err := readDeployments(path)
	if err != nil {
		return err
	}

	g, err := initGate(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer g.Close()

	decision, err := g.filter.Evaluate(cmd.Context(), candidates)
	if err != nil {
		return fmt.Errorf("select deployment: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	}

	printDecision(decision)
	return nil
}

// readDeployments accepts either a bare YAML list or {deployments: [...]}.
func readDeployments(path string) ([]model.Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployments file: %w", err)
	}

	var list []model.Deployment
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Deployments []model.Deployment `yaml:"deployments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse deployments file: %w", err)
	}
	return doc.Deployments, nil
}

func printDecision(d *admission.Decision) {
	if d.Selected == nil {
		fmt.Println("No eligible deployment.")
	} else {
		fmt.Printf("Selected: %s (model %s)\n", d.Selected.ID, d.Selected.Model)
	}
	if d.ReadFailed {
		fmt.Println("Warning: spend could not be read; the read failure policy decided budgeted providers.")
	}
	fmt.Printf("Eligible: %d of %d\n", len(d.Eligible), len(d.Eligible)+len(d.Excluded))

	if len(d.Excluded) == 0 {
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "EXCLUDED\tPROVIDER\tREASON\tSPENT\tLIMIT\n")
	for _, ex := range d.Excluded {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t$%.2f\n",
			ex.Deployment.ID, ex.Provider, ex.Reason, ex.SpendUSD, ex.LimitUSD)
	}
	w.Flush()
}
