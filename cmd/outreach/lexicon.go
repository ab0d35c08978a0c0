package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/quality"
)

var lexiconListAll bool

var lexiconCmd = &cobra.Command{
	Use:   "lexicon",
	Short: "Spam lexicon commands",
}

var lexiconImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import lexicon entries from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLexiconImport,
}

var lexiconListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lexicon entries",
	RunE:  runLexiconList,
}

var lexiconDeactivateCmd = &cobra.Command{
	Use:   "deactivate <word>",
	Short: "Stop scoring a lexicon entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runLexiconDeactivate,
}

func init() {
	lexiconListCmd.Flags().BoolVar(&lexiconListAll, "all", false, "Include inactive entries")

	lexiconCmd.AddCommand(lexiconImportCmd, lexiconListCmd, lexiconDeactivateCmd)
	rootCmd.AddCommand(lexiconCmd)
}

func runLexiconImport(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	n, err := quality.ImportLexiconFile(context.Background(), application.Store(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d lexicon entries\n", n)
	return nil
}

func runLexiconList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	entries, err := application.Store().ListLexicon(context.Background(), !lexiconListAll)
	if err != nil {
		return fmt.Errorf("failed to list lexicon: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("Lexicon is empty; the built-in list is used")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORD\tSCORE\tACTIVE")
	fmt.Fprintln(w, "----\t-----\t------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%v\n", e.Word, e.Score, e.Active)
	}
	return w.Flush()
}

func runLexiconDeactivate(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Store().DeactivateLexiconEntry(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to deactivate entry: %w", err)
	}

	fmt.Printf("Lexicon entry %q deactivated\n", args[0])
	return nil
}
