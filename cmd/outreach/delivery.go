package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Delivery commands",
}

var deliveryRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send every due email once",
	RunE:  runDeliveryRun,
}

var deliveryRetryCmd = &cobra.Command{
	Use:   "retry <email_id>",
	Short: "Reschedule a failed email",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveryRetry,
}

var deliveryReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release claims abandoned by a crashed run",
	RunE:  runDeliveryRelease,
}

func init() {
	deliveryCmd.AddCommand(deliveryRunCmd, deliveryRetryCmd, deliveryReleaseCmd)
	rootCmd.AddCommand(deliveryCmd)
}

func runDeliveryRun(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	// Interrupting a run releases the emails it has not sent yet
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := application.Processor().ProcessDue(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("delivery run failed: %w", err)
	}

	fmt.Printf("Processed: %d\n", result.Processed)
	fmt.Printf("  Sent:     %d\n", result.Sent)
	fmt.Printf("  Failed:   %d\n", result.Failed)
	fmt.Printf("  Deferred: %d\n", result.Deferred)
	return nil
}

func runDeliveryRetry(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	email, err := application.Processor().Retry(context.Background(), args[0], time.Now())
	if err != nil {
		return fmt.Errorf("failed to retry email: %w", err)
	}

	fmt.Printf("Email %s rescheduled for %s\n", email.ID, email.ScheduledAt.Format(time.RFC3339))
	return nil
}

func runDeliveryRelease(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	n, err := application.Processor().ReleaseStale(context.Background(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}

	fmt.Printf("Released %d stale claims\n", n)
	return nil
}
