package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	scoreSubject  string
	scoreBody     string
	scoreBodyFile string
	scoreJSON     bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score the content quality of a drafted email",
	RunE:  runScore,
}

func init() {
	scoreCmd.Flags().StringVar(&scoreSubject, "subject", "", "Email subject")
	scoreCmd.Flags().StringVar(&scoreBody, "body", "", "Email body (HTML or text)")
	scoreCmd.Flags().StringVar(&scoreBodyFile, "body-file", "", "Read the body from a file")
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, args []string) error {
	body := scoreBody
	if scoreBodyFile != "" {
		data, err := os.ReadFile(scoreBodyFile)
		if err != nil {
			return fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	check := application.Scorer().Score(context.Background(), scoreSubject, body)

	if scoreJSON {
		return outputJSON(check)
	}

	verdict := "PASS"
	if !check.IsPassing {
		verdict = "FAIL"
	}
	fmt.Printf("Score: %.2f (%s)\n", check.Score, verdict)
	if check.HasCriticalIssues {
		fmt.Println("Critical issues present")
	}

	if len(check.Issues) == 0 {
		fmt.Println("No issues found")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tTYPE\tMESSAGE\tRECOMMENDATION")
	fmt.Fprintln(w, "--------\t----\t-------\t--------------")
	for _, issue := range check.Issues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", issue.Severity, issue.Type, issue.Message, issue.Recommendation)
	}
	return w.Flush()
}
