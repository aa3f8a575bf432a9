package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Xiaoxue-xx/TextBox/dashboard"
)

// History command flags
var (
	historyRun      string
	historyTag      string
	historyPostgres bool
)

var historyCmd = &cobra.Command{
	Use:   "history [database]",
	Short: "List recorded runs and scalars",
	Long: `Read what the sqlite or postgres dashboard recorded. Without --run the
recorded runs are listed. With --run the scalars of that run are printed,
optionally restricted to one tag.

The database defaults to the sqlite file the dashboard writes when no DSN is
configured. With --postgres the argument is a connection string.`,
	Example: `  # List runs
  textbox history log/history.db

  # Show the validation loss of a run
  textbox history log/history.db --run 0b6c... --tag valid/loss`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, dsn := dashboard.DriverSQLite, dashboard.DefaultSQLitePath
		if historyPostgres {
			driver, dsn = dashboard.DriverPostgres, ""
		}
		if len(args) == 1 {
			dsn = args[0]
		}
		if dsn == "" {
			return fmt.Errorf("a connection string is required with --postgres")
		}

		history, err := dashboard.OpenHistory(driver, dsn)
		if err != nil {
			return err
		}
		defer history.Close()
		ctx := cmd.Context()

		if historyRun == "" {
			runs, err := history.Runs(ctx)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(warnStyle.Render("no runs recorded in " + dsn))
				return nil
			}
			fields := make([]field, 0, len(runs))
			for _, run := range runs {
				fields = append(fields, field{run.ID, fmt.Sprintf("%s  %s", run.StartedAt.Format("2006-01-02 15:04:05"), run.Name)})
			}
			fmt.Println(panel("Runs", fields))
			return nil
		}

		points, err := history.Scalars(ctx, historyRun, historyTag)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			fmt.Println(warnStyle.Render("no scalars recorded for run " + historyRun))
			return nil
		}
		fields := make([]field, 0, len(points))
		for _, p := range points {
			fields = append(fields, field{fmt.Sprintf("%s %s=%d", p.Tag, p.Axis, p.Step), okStyle.Render(fmt.Sprintf("%.6g", p.Value))})
		}
		fmt.Println(panel("Scalars of "+historyRun, fields))
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Run ID to show scalars for")
	historyCmd.Flags().StringVar(&historyTag, "tag", "", "Only show this tag")
	historyCmd.Flags().BoolVar(&historyPostgres, "postgres", false, "Read from postgres instead of sqlite")
}
