package cmd

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Enucatl/send-bills/internal/parsers"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// reconcileBindings maps reconcile flags onto feed settings.
var reconcileBindings = map[string]string{
	"feed-profile":      "feed.profile",
	"delimiter":         "feed.delimiter",
	"decimal-comma":     "feed.decimal_comma",
	"encoding":          "feed.encoding",
	"header-line":       "feed.header_line",
	"remittance-marker": "feed.remittance_marker",
	"default-currency":  "feed.default_currency",
}

func (a *app) newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <export.csv>...",
		Short: "Apply incoming payments from bank exports to open bills",
		Long: `Reconcile reads bank account exports, extracts the structured reference
of every credit and applies the amount to the bill carrying it. Full
payments mark the bill paid, partial payments are accumulated and
excess amounts are recorded as overpayment. Transactions that cannot be
applied are listed in the report with the reason.

Applying the same export twice changes nothing: each transaction is
recorded once per bill.

Feed profiles: ` + strings.Join(parsers.ProfileNames(), ", ") + `

Examples:
  sendbills reconcile export.csv
  sendbills reconcile april.csv may.csv --feed-profile postfinance -f csv -o report.csv
  sendbills reconcile export.csv --delimiter ';' --decimal-comma --default-currency CHF`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReconcile(cmd, args)
		},
	}

	flags := cmd.Flags()
	flags.String("feed-profile", "standard", "bank export layout")
	flags.String("delimiter", "", "override the profile's field delimiter")
	flags.Bool("decimal-comma", false, "amounts use a decimal comma")
	flags.String("encoding", "", "feed encoding: auto, utf-8, latin1")
	flags.Int("header-line", 0, "1-based line of the column header")
	flags.String("remittance-marker", "", "text preceding the reference in the remittance column")
	flags.String("default-currency", "", "currency for rows without one")

	for flag, key := range reconcileBindings {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

// runReconcile applies every export in order with one service so later
// files see the payments of earlier ones.
func (a *app) runReconcile(cmd *cobra.Command, files []string) error {
	ctx := commandContext(cmd)
	svc, release, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer release()

	var failures []*apperrors.AppError
	for _, file := range files {
		a.log.WithField("file", file).Info("Reconciling bank export")
		report, err := svc.ReconcileFile(ctx, file)
		if err != nil {
			return err
		}

		output := outputFor(a.cfg.Report.Output, file, len(files))
		if err := a.render(cmd, report, output); err != nil {
			if _, ok := err.(*apperrors.ErrorSummary); !ok {
				return err
			}
			failures = append(failures, report.Errors...)
		}
	}

	if len(failures) > 0 {
		return apperrors.NewErrorSummary(failures)
	}
	return nil
}

// outputFor names one report per export when several are reconciled into
// a report file: report.csv becomes report-april.csv.
func outputFor(output, file string, files int) string {
	if output == "" || files < 2 {
		return output
	}
	ext := filepath.Ext(output)
	source := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return strings.TrimSuffix(output, ext) + "-" + source + ext
}
