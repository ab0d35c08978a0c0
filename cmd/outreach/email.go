package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/storage"
)

var (
	emailListStatus string
	emailListLimit  int
	emailEventAt    string
)

var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "Email record commands",
}

var emailListCmd = &cobra.Command{
	Use:   "list",
	Short: "List emails",
	RunE:  runEmailList,
}

var emailShowCmd = &cobra.Command{
	Use:   "show <email_id>",
	Short: "Show email details",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmailShow,
}

var emailEventCmd = &cobra.Command{
	Use:   "event <email_id> <opened|clicked|replied|bounced|complained>",
	Short: "Record an engagement event",
	Args:  cobra.ExactArgs(2),
	RunE:  runEmailEvent,
}

var emailImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import campaigns, contacts and emails from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmailImport,
}

func init() {
	emailListCmd.Flags().StringVar(&emailListStatus, "status", "", "Filter by status")
	emailListCmd.Flags().IntVar(&emailListLimit, "limit", 50, "Maximum number of emails to show")
	emailEventCmd.Flags().StringVar(&emailEventAt, "at", "", "Event time (RFC3339), default now")

	emailCmd.AddCommand(emailListCmd, emailShowCmd, emailEventCmd, emailImportCmd)
	rootCmd.AddCommand(emailCmd)
}

func runEmailList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	emails, err := application.Store().ListEmails(context.Background(), storage.ListFilter{
		Status: models.EmailStatus(emailListStatus),
		Limit:  emailListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list emails: %w", err)
	}

	if len(emails) == 0 {
		fmt.Println("No emails found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCAMPAIGN\tACCOUNT\tSCHEDULED\tVARIANT")
	fmt.Fprintln(w, "--\t------\t--------\t-------\t---------\t-------")
	for _, e := range emails {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Status, e.CampaignID, e.EmailAccountID, formatTime(e.ScheduledAt), e.VariantID())
	}
	return w.Flush()
}

func runEmailShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	email, err := application.Store().GetEmail(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get email: %w", err)
	}
	if email == nil {
		return fmt.Errorf("email not found: %s", args[0])
	}

	return outputJSON(email)
}

func runEmailEvent(cmd *cobra.Command, args []string) error {
	kind := models.EventKind(strings.ToLower(args[1]))
	valid := false
	for _, k := range models.ValidEventKinds {
		if k == kind {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown event %q", args[1])
	}

	at := time.Now()
	if emailEventAt != "" {
		t, err := time.Parse(time.RFC3339, emailEventAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		at = t
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	email, err := application.Store().RecordEvent(context.Background(), args[0], kind, at)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	fmt.Printf("Email %s is now %s\n", email.ID, email.Status)
	return nil
}

// importFile is the seed format accepted by email import
type importFile struct {
	Campaigns []struct {
		ID        string            `yaml:"id"`
		Name      string            `yaml:"name"`
		Variables map[string]string `yaml:"variables"`
	} `yaml:"campaigns"`
	Contacts []struct {
		ID        string `yaml:"id"`
		Email     string `yaml:"email"`
		FirstName string `yaml:"first_name"`
		LastName  string `yaml:"last_name"`
		Company   string `yaml:"company"`
	} `yaml:"contacts"`
	Emails []struct {
		ID          string     `yaml:"id"`
		CampaignID  string     `yaml:"campaign_id"`
		ContactID   string     `yaml:"contact_id"`
		AccountID   string     `yaml:"account_id"`
		Subject     string     `yaml:"subject"`
		Body        string     `yaml:"body"`
		ScheduledAt *time.Time `yaml:"scheduled_at"`
	} `yaml:"emails"`
}

func runEmailImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	var f importFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse import file: %w", err)
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	store := application.Store()

	for _, c := range f.Campaigns {
		if err := store.CreateCampaign(ctx, &models.Campaign{ID: c.ID, Name: c.Name, Variables: c.Variables}); err != nil {
			return fmt.Errorf("failed to import campaign %s: %w", c.ID, err)
		}
	}
	for _, c := range f.Contacts {
		contact := &models.Contact{ID: c.ID, Email: c.Email, FirstName: c.FirstName, LastName: c.LastName, Company: c.Company}
		if err := store.CreateContact(ctx, contact); err != nil {
			return fmt.Errorf("failed to import contact %s: %w", c.Email, err)
		}
	}
	for _, e := range f.Emails {
		email := &models.Email{
			ID:             e.ID,
			CampaignID:     e.CampaignID,
			ContactID:      e.ContactID,
			EmailAccountID: e.AccountID,
			Subject:        e.Subject,
			Body:           e.Body,
			Status:         models.StatusDraft,
			ScheduledAt:    e.ScheduledAt,
		}
		if e.ScheduledAt != nil {
			email.Status = models.StatusScheduled
		}
		if err := store.CreateEmail(ctx, email); err != nil {
			return fmt.Errorf("failed to import email %s: %w", e.ID, err)
		}
	}

	fmt.Printf("Imported %d campaigns, %d contacts, %d emails\n", len(f.Campaigns), len(f.Contacts), len(f.Emails))
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
