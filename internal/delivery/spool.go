package delivery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// SpoolDeliverer writes each document as a JSON file into a directory for
// a mail relay to pick up. Redelivering a document overwrites its file.
type SpoolDeliverer struct {
	dir string
	log logger.Logger
}

// NewSpoolDeliverer creates dir if needed.
func NewSpoolDeliverer(dir string, log logger.Logger) (*SpoolDeliverer, error) {
	if dir == "" {
		return nil, apperrors.InvalidArgument("spool_dir", "")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.FileError(apperrors.CodeFilePermission, dir, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &SpoolDeliverer{dir: dir, log: log.WithComponent("spool")}, nil
}

// Path returns the file a document is spooled to.
func (s *SpoolDeliverer) Path(doc Document) string {
	return filepath.Join(s.dir, doc.Name()+".json")
}

// Deliver writes doc to a temporary file and renames it into place so a
// reader never sees a partial document.
func (s *SpoolDeliverer) Deliver(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Downstream(apperrors.CodeDeliveryFailed, "spool "+doc.Name(), err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.InternalError("encode "+doc.Name(), err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+doc.Name()+"-*")
	if err != nil {
		return apperrors.Downstream(apperrors.CodeDeliveryFailed, "spool "+doc.Name(), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.Downstream(apperrors.CodeDeliveryFailed, "spool "+doc.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Downstream(apperrors.CodeDeliveryFailed, "spool "+doc.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.Path(doc)); err != nil {
		return apperrors.Downstream(apperrors.CodeDeliveryFailed, "spool "+doc.Name(), err)
	}

	s.log.WithFields(logger.Fields{
		"kind":      doc.Kind,
		"bill_id":   doc.BillID,
		"reference": doc.Reference,
		"to":        doc.To,
	}).Info("Document spooled")
	return nil
}

// LogDeliverer only logs documents. It backs dry runs.
type LogDeliverer struct {
	log logger.Logger
}

// NewLogDeliverer creates a deliverer writing to log.
func NewLogDeliverer(log logger.Logger) *LogDeliverer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &LogDeliverer{log: log.WithComponent("delivery")}
}

func (l *LogDeliverer) Deliver(ctx context.Context, doc Document) error {
	l.log.WithFields(logger.Fields{
		"kind":      doc.Kind,
		"bill_id":   doc.BillID,
		"reference": doc.Reference,
		"to":        doc.To,
		"subject":   doc.Subject,
	}).Info("Document delivered")
	return nil
}
