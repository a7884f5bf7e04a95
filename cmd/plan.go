package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcpuig/plugsched/core/model"
)

var planDate string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Run one planning pass and exit",
	RunE:  planOnce,
}

func init() {
	planCmd.Flags().StringVar(&planDate, "date", "", "planning date (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(planCmd)
}

func planOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cfg, err := buildService()
	if err != nil {
		return err
	}
	defer closeService(svc)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	date := time.Now().In(loc)
	if planDate != "" {
		date, err = time.ParseInLocation("2006-01-02", planDate, loc)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", planDate, err)
		}
	}

	sum, err := svc.Planner().PlanDay(ctx, date)
	if err != nil {
		return fmt.Errorf("plan %s: %w", model.DateKey(date), err)
	}
	fmt.Printf("planned %d rules for %s: %d actions created, %d failed\n",
		sum.Rules, model.DateKey(date), sum.Created, sum.Failed)
	return nil
}
