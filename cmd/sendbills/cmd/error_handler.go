package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"syscall"

	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// maxListedErrors bounds the errors printed for a failed run.
const maxListedErrors = 10

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	out     io.Writer
	logger  logger.Logger
	verbose bool
}

// NewCLIErrorHandler creates a handler printing to out.
func NewCLIErrorHandler(out io.Writer, verbose bool) *CLIErrorHandler {
	return &CLIErrorHandler{
		out:     out,
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: verbose,
	}
}

// HandleError prints err and returns the process exit code.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	var summary *apperrors.ErrorSummary
	if errors.As(err, &summary) {
		return h.handleSummary(summary)
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		return h.handleAppError(appErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleAppError(err *apperrors.AppError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		fmt.Fprintf(h.out, "\nContext:\n")
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", getCategoryHelp(err.Category))

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

// handleSummary reports a run whose report was written but had failures.
func (h *CLIErrorHandler) handleSummary(summary *apperrors.ErrorSummary) int {
	fmt.Fprintf(h.out, "Error: %s\n", summary.Error())
	if summary.Total > 1 {
		for i, e := range summary.Errors {
			if i == maxListedErrors {
				fmt.Fprintf(h.out, "  ... and %d more errors\n", summary.Total-maxListedErrors)
				break
			}
			fmt.Fprintf(h.out, "  %d. [%s] %s\n", i+1, e.Code, e.Message)
		}
	}
	if h.verbose {
		for _, e := range summary.Errors {
			if e.Cause != nil {
				fmt.Fprintf(h.out, "\nUnderlying error (%s): %v\n", e.Code, e.Cause)
			}
		}
	}
	return summary.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(h.out, "Error: File not found: %v\n", err)
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	case errors.Is(err, fs.ErrPermission):
		fmt.Fprintf(h.out, "Error: Permission denied: %v\n", err)
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	case errors.Is(err, syscall.ENOSPC):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	fmt.Fprintf(h.out, "Run 'sendbills --help' for usage.\n")
	return 1
}

func getCategoryHelp(category apperrors.ErrorCategory) string {
	switch category {
	case apperrors.CategoryFile:
		return `File error help:
• Check if the file exists and is readable
• Verify the file path is correct
• Ensure the output directory is writable`

	case apperrors.CategoryParse:
		return `Parse error help:
• Check that --feed-profile matches the bank export
• Verify the header line, delimiter and decimal separator
• Use --encoding latin1 for exports that are not UTF-8`

	case apperrors.CategoryValidation, apperrors.CategoryInvalidArgument:
		return `Validation error help:
• Check that all required fields have values
• Dates use YYYY-MM-DD and amounts are plain decimals
• IBANs and references are checked against their check digits`

	case apperrors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and SENDBILLS_* environment variables
• Verify configuration file syntax if using --config
• Use 'sendbills <command> --help' to see all available options`

	case apperrors.CategoryInvalidTransition:
		return `Bill state help:
• Paid and cancelled bills cannot change any more
• Only sent bills become overdue`

	case apperrors.CategoryNotFound:
		return `Lookup help:
• Check the bill ID in a previous report
• Make sure --db-driver and --db-dsn point at the right store`

	case apperrors.CategoryDownstream:
		return `Delivery help:
• Check the spool directory or database connection
• Failed items stay pending and are retried on the next run`

	default:
		return `For more help:
• Use 'sendbills --help' for general help
• Run with --verbose for the underlying error`
	}
}
