package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Enucatl/send-bills/cmd/sendbills/config"
	"github.com/Enucatl/send-bills/internal/billing"
	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/store/gormstore"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

const dateLayout = "2006-01-02"

// parseDay reads a YYYY-MM-DD flag value; empty means today.
func parseDay(flag, value string) (time.Time, error) {
	if value == "" {
		return calendar.Day(time.Now()), nil
	}
	d, err := models.ParseDate(value, []string{dateLayout})
	if err != nil {
		return time.Time{}, apperrors.InvalidArgument(flag, err.Error()).
			WithSuggestion("Use the YYYY-MM-DD format")
	}
	return d, nil
}

func (a *app) newGenerateCommand() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create the bills due from active recurring templates",
		Long: `Generate creates one pending bill for every occurrence of an active
template up to the as-of date. Occurrences that already have a bill are
skipped, so the command can be repeated safely.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay("as-of", asOf)
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *billing.Service) (*billing.OperationReport, error) {
				return svc.GenerateDueBills(ctx, day)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "generate occurrences up to this date (YYYY-MM-DD, default today)")
	return cmd
}

func (a *app) newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send",
		Short: "Deliver pending bills and mark them sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *billing.Service) (*billing.OperationReport, error) {
				return svc.SendPendingBills(ctx)
			})
		},
	}
}

func (a *app) newOverdueCommand() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "Mark sent bills past their due date as overdue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay("now", now)
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *billing.Service) (*billing.OperationReport, error) {
				return svc.MarkOverdueBills(ctx, day)
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "reference date (YYYY-MM-DD, default today)")
	return cmd
}

func (a *app) newNotifyOverdueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "notify-overdue",
		Short: "Send a reminder to the creditor for every overdue bill",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *billing.Service) (*billing.OperationReport, error) {
				return svc.NotifyOverdueBills(ctx)
			})
		},
	}
}

func (a *app) newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <bill-id>",
		Short: "Cancel a pending or sent bill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *billing.Service) (*billing.OperationReport, error) {
				return svc.CancelBill(ctx, args[0])
			})
		},
	}
}

func (a *app) newMigrateCommand() *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and load master data",
		Long: `Migrate creates the tables of the sqlite or postgres store. With --seed
it then saves the creditors, contacts and templates of a JSON seed file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Database.Driver == config.DriverMemory {
				return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "database.driver", a.cfg.Database.Driver, nil).
					WithSuggestion("Select --db-driver sqlite or postgres; the memory store needs no migration")
			}

			var seed *config.Seed
			if seedPath != "" {
				var err error
				if seed, err = config.LoadSeed(seedPath); err != nil {
					return err
				}
			}

			ctx := commandContext(cmd)
			s, release, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer release()

			gs, ok := s.(*gormstore.Store)
			if !ok {
				return apperrors.InternalError("migrate", fmt.Errorf("store %T has no schema", s))
			}
			if err := gs.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s store\n", a.cfg.Database.Driver)

			if seed != nil {
				if err := seed.Apply(ctx, gs); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d creditors, %d contacts, %d templates\n",
					len(seed.Creditors), len(seed.Contacts), len(seed.Templates))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "JSON seed file with creditors, contacts and templates")
	return cmd
}
