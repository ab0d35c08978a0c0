package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/outreach/internal/experiment"
)

var (
	abtestCreateFile string
	abtestJSON       bool
)

var abtestCmd = &cobra.Command{
	Use:   "abtest",
	Short: "A/B experiment commands",
}

var abtestCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Configure an experiment from a YAML or JSON request file",
	RunE:  runAbtestCreate,
}

var abtestStartCmd = &cobra.Command{
	Use:   "start <campaign_id>",
	Short: "Start a configured experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbtestStart,
}

var abtestAssignCmd = &cobra.Command{
	Use:   "assign <campaign_id>",
	Short: "Assign variants to unassigned campaign emails",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbtestAssign,
}

var abtestApplyCmd = &cobra.Command{
	Use:   "apply <email_id> <variant_id>",
	Short: "Apply a variant to one email",
	Args:  cobra.ExactArgs(2),
	RunE:  runAbtestApply,
}

var abtestAnalyzeCmd = &cobra.Command{
	Use:   "analyze <campaign_id>",
	Short: "Analyze results and record the winning variant",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbtestAnalyze,
}

func init() {
	abtestCreateCmd.Flags().StringVarP(&abtestCreateFile, "file", "f", "", "Experiment request file (required)")
	abtestCreateCmd.MarkFlagRequired("file")
	abtestAnalyzeCmd.Flags().BoolVar(&abtestJSON, "json", false, "Output as JSON")

	abtestCmd.AddCommand(abtestCreateCmd, abtestStartCmd, abtestAssignCmd, abtestApplyCmd, abtestAnalyzeCmd)
	rootCmd.AddCommand(abtestCmd)
}

func loadAbTestRequest(path string) (experiment.CreateAbTestRequest, error) {
	var req experiment.CreateAbTestRequest

	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read request file: %w", err)
	}
	// JSON is valid YAML
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse request file: %w", err)
	}
	return req, nil
}

func runAbtestCreate(cmd *cobra.Command, args []string) error {
	req, err := loadAbTestRequest(abtestCreateFile)
	if err != nil {
		return err
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	id, err := application.Engine().CreateAbTest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}

	fmt.Printf("Experiment configured on campaign %s\n", id)
	fmt.Printf("  Type: %s\n", req.TestType)
	fmt.Printf("  Variants: %d\n", req.VariantCount)
	fmt.Printf("  Winner metric: %s\n", req.WinnerMetric)
	return nil
}

func runAbtestStart(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Engine().StartAbTest(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to start experiment: %w", err)
	}

	fmt.Printf("Experiment on campaign %s is running\n", args[0])
	return nil
}

func runAbtestAssign(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	counts, err := application.Engine().AssignCampaign(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to assign variants: %w", err)
	}

	if len(counts) == 0 {
		fmt.Println("No unassigned emails")
		return nil
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tEMAILS")
	fmt.Fprintln(w, "-------\t------")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%d\n", id, counts[id])
	}
	return w.Flush()
}

func runAbtestApply(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	email, err := application.Engine().ApplyVariantToEmail(context.Background(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to apply variant: %w", err)
	}

	fmt.Printf("Variant %s applied to email %s\n", email.VariantID(), email.ID)
	return nil
}

func runAbtestAnalyze(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := application.Engine().AnalyzeAbTestResults(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to analyze experiment: %w", err)
	}

	if abtestJSON {
		return outputJSON(result)
	}

	fmt.Printf("Campaign: %s\n", result.CampaignID)
	fmt.Printf("Metric: %s\n", result.WinningMetric)
	fmt.Printf("Sample size: %d\n", result.SampleSize)
	fmt.Printf("Winner: %s\n\n", result.WinningVariantID)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tTOTAL\tDELIVERED\tOPEN\tCLICK\tREPLY\tBOUNCE\tMETRIC\tWINNER")
	fmt.Fprintln(w, "-------\t-----\t---------\t----\t-----\t-----\t------\t------\t------")
	for i := range result.Variants {
		v := &result.Variants[i]
		winner := ""
		if v.IsWinner {
			winner = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.VariantID, v.Total, v.Delivered,
			formatRate(v.OpenRate), formatRate(v.ClickRate), formatRate(v.ReplyRate), formatRate(v.BounceRate),
			formatRate(v.Rate(result.WinningMetric)), winner)
	}
	return w.Flush()
}

func formatRate(r *float64) string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *r)
}
