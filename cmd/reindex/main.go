package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ogurasousui/face-attendance/internal/app"
	"github.com/ogurasousui/face-attendance/internal/platform/config"
)

var (
	configPath string
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-enroll every employee from the stored reference image",
	Long: `Reindex reads each employee's reference image from the image store and
enrolls it again with the configured embedding model. Use it after changing
biometric.model or biometric.dim so that recognition uses fresh templates.

Running servers keep their own in-memory template index. They pick up the new
templates within biometric.refresh_interval, or immediately on the first
recognition miss. After a model or dimension change, restart the servers so the
index is rebuilt for the new embedding size.`,
	Args: cobra.NoArgs,
	PersistentPreRun: func(*cobra.Command, []string) {
		_ = godotenv.Load()
	},
	RunE: runReindex,
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file (defaults to CONFIG_PATH env or assets/local.yaml)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only count employees without re-enrolling")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runReindex(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "assets/local.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	employees, err := app.ListAllEmployees(ctx, a.Employees)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("%d employees would be re-enrolled\n", len(employees))
		return nil
	}

	bar := progressbar.NewOptions(len(employees),
		progressbar.OptionSetDescription("Re-enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("employees"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	report, err := app.Reindex(ctx, a.Employees, employees, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted after %d employees", report.Reenrolled+report.Skipped+len(report.Failed))
		}
		return err
	}

	fmt.Printf("re-enrolled: %d, skipped (no image): %d, failed: %d\n",
		report.Reenrolled, report.Skipped, len(report.Failed))
	for _, f := range report.Failed {
		log.Printf("employee %d: %v", f.EmployeeID, f.Err)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d employees could not be re-enrolled", len(report.Failed))
	}
	return nil
}
