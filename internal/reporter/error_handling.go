package reporter

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/Enucatl/send-bills/internal/billing"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// SafeReportGenerator wraps ReportGenerator with logging and fallbacks: a
// failed text format falls back to console output and an unwritable report
// file falls back to a backup path.
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// NewSafeReportGenerator creates a new safe report generator with error handling
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, apperrors.WrapIfNeeded(err, apperrors.CategoryConfiguration, apperrors.CodeInvalidConfig, "invalid report configuration").
			WithSuggestion("Check the report configuration values")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// GenerateReportSafely writes report to writer, falling back to console
// output when a text format fails.
func (srg *SafeReportGenerator) GenerateReportSafely(report *billing.OperationReport, writer io.Writer) error {
	log := srg.logger.WithFields(logger.Fields{
		"format":    srg.config.Format,
		"operation": operationOf(report),
		"output":    getWriterDescription(writer),
	})
	log.Debug("Starting report generation")

	if err := validateInputs(report, writer); err != nil {
		log.WithError(err).Error("Report generation failed: input validation")
		return err
	}

	if err := srg.generateWithFallback(report, writer); err != nil {
		log.WithError(err).Error("Report generation failed")
		return err
	}

	log.Debug("Report generation completed")
	return nil
}

// WriteReportFile writes report to path and returns the path actually
// written. When path cannot be created the report goes to a backup file in
// the temporary directory.
func (srg *SafeReportGenerator) WriteReportFile(report *billing.OperationReport, path string) (string, error) {
	if err := validateInputs(report, io.Discard); err != nil {
		return "", err
	}
	if path == "" {
		return "", apperrors.InvalidArgument("output", "")
	}

	err := srg.writeFile(report, path)
	if err == nil {
		return path, nil
	}
	if !isFileError(err) {
		return "", srg.wrapGenerationError(err)
	}

	backupPath := generateBackupPath(path)
	srg.logger.WithFields(logger.Fields{
		"original_file": path,
		"backup_file":   backupPath,
	}).WithError(err).Warn("Cannot write report file, attempting backup location")

	if backupErr := srg.writeFile(report, backupPath); backupErr != nil {
		return "", apperrors.FileError(apperrors.CodeFilePermission, path, err).
			WithContext("backup_file", backupPath).
			WithContext("backup_error", backupErr.Error())
	}

	fmt.Fprintf(os.Stderr, "Warning: Could not write to %s, report saved to %s\n", path, backupPath)
	return backupPath, nil
}

func (srg *SafeReportGenerator) writeFile(report *billing.OperationReport, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := srg.GenerateReport(report, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (srg *SafeReportGenerator) generateWithFallback(report *billing.OperationReport, writer io.Writer) error {
	err := srg.GenerateReport(report, writer)
	if err == nil {
		return nil
	}

	// Binary output cannot carry a console fallback.
	if srg.config.Format == FormatConsole || srg.config.Format.Binary() || isFileError(err) {
		return srg.wrapGenerationError(err)
	}

	srg.logger.WithError(err).WithField("fallback_format", FormatConsole).Warn("Primary report generation failed, attempting console fallback")

	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole
	fallback, genErr := NewReportGenerator(&fallbackConfig)
	if genErr != nil {
		return srg.wrapGenerationError(err)
	}

	fmt.Fprintf(writer, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(writer, "Original error: %v\n\n", err)
	if fbErr := fallback.GenerateReport(report, writer); fbErr != nil {
		return apperrors.InternalError("report_fallback",
			fmt.Errorf("both primary and fallback generation failed: primary=%v, fallback=%v", err, fbErr))
	}
	return nil
}

func (srg *SafeReportGenerator) wrapGenerationError(err error) error {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr
	}
	return apperrors.InternalError("report_generation", err).
		WithSuggestion("Check the output destination and report format settings")
}

func validateInputs(report *billing.OperationReport, writer io.Writer) error {
	if report == nil {
		return apperrors.InvalidArgument("report", "").WithSuggestion("Run an operation before rendering its report")
	}
	if writer == nil {
		return apperrors.InvalidArgument("writer", "")
	}
	return nil
}

func isFileError(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOSPC)
}

func generateBackupPath(originalPath string) string {
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_backup%s", name, ext))
}

func getWriterDescription(writer io.Writer) string {
	switch w := writer.(type) {
	case *os.File:
		if w.Name() != "" {
			return fmt.Sprintf("file:%s", w.Name())
		}
		return "file:unnamed"
	default:
		return fmt.Sprintf("writer:%T", writer)
	}
}

func operationOf(report *billing.OperationReport) string {
	if report == nil {
		return ""
	}
	return string(report.Operation)
}
