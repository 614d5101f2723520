package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Enucatl/send-bills/internal/reference"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// newReferenceCommand groups the offline reference tools. They need no
// store, so configuration loading is skipped.
func newReferenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "reference",
		Short:             "Generate and validate structured payment references",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	cmd.AddCommand(newReferenceGenerateCommand(), newReferenceValidateCommand())
	return cmd
}

func newReferenceGenerateCommand() *cobra.Command {
	var (
		prefix   string
		sequence uint64
		qr       bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print the reference for a sequence number",
		Example: `  sendbills reference generate --prefix 42 --sequence 17
  sendbills reference generate --qr --sequence 17`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.Generate(reference.Namespace{Prefix: prefix, QR: qr}, sequence)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ref.Value, reference.Format(ref.Value), ref.Scheme)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "creditor reference prefix")
	cmd.Flags().Uint64Var(&sequence, "sequence", 0, "sequence number (positive)")
	cmd.Flags().BoolVar(&qr, "qr", false, "generate a numeric QR reference instead of RF")
	_ = cmd.MarkFlagRequired("sequence")
	return cmd
}

func newReferenceValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <reference>...",
		Short: "Check the check digits of references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var invalid []*apperrors.AppError
			for _, candidate := range args {
				ok, err := reference.Validate(candidate)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "INVALID\t%s\n", candidate)
					invalid = append(invalid, apperrors.ValidationFailure(apperrors.CodeChecksumMismatch, "reference", candidate, nil))
					continue
				}
				ref, _ := reference.Parse(candidate)
				fmt.Fprintf(cmd.OutOrStdout(), "VALID\t%s\t%s\n", reference.Format(ref.Value), ref.Scheme)
			}
			if len(invalid) > 0 {
				return apperrors.NewErrorSummary(invalid)
			}
			return nil
		},
	}
}
