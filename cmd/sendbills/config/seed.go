package config

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Seed is the master data of a seed file.
type Seed struct {
	Creditors []*models.Creditor          `json:"creditors"`
	Contacts  []*models.Contact           `json:"contacts"`
	Templates []*models.RecurringTemplate `json:"-"`
}

// seedTemplate accepts start dates written as plain dates.
type seedTemplate struct {
	models.RecurringTemplate
	StartDate string `json:"start_date"`
}

type seedFile struct {
	Creditors []*models.Creditor `json:"creditors"`
	Contacts  []*models.Contact  `json:"contacts"`
	Templates []seedTemplate     `json:"templates"`
}

// LoadSeed reads and validates a JSON seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		code := apperrors.CodeFilePermission
		if errors.Is(err, fs.ErrNotExist) {
			code = apperrors.CodeFileNotFound
		}
		return nil, apperrors.FileError(code, path, err)
	}

	var raw seedFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryParse, apperrors.CodeMalformedInput, "invalid seed file").
			WithContext("file", path)
	}

	seed := &Seed{Creditors: raw.Creditors, Contacts: raw.Contacts}
	for i, c := range seed.Creditors {
		if err := models.ValidateCreditor(c); err != nil {
			return nil, seedError(err, path, "creditors", i)
		}
	}
	for i, c := range seed.Contacts {
		if err := models.Validate(c); err != nil {
			return nil, seedError(err, path, "contacts", i)
		}
	}
	for i := range raw.Templates {
		st := raw.Templates[i]
		tmpl := st.RecurringTemplate
		start, err := models.ParseDate(st.StartDate, nil)
		if err != nil {
			return nil, seedError(apperrors.ValidationFailure(apperrors.CodeInvalidDate, "start_date", st.StartDate, err), path, "templates", i)
		}
		tmpl.StartDate = start
		if tmpl.Frequency.Kind != "" {
			kind, err := calendar.ParseKind(string(tmpl.Frequency.Kind))
			if err != nil {
				return nil, seedError(err, path, "templates", i)
			}
			tmpl.Frequency.Kind = kind
		}
		if err := models.ValidateTemplate(&tmpl); err != nil {
			return nil, seedError(err, path, "templates", i)
		}
		seed.Templates = append(seed.Templates, &tmpl)
	}
	return seed, nil
}

// Apply saves the seed into s in one unit.
func (sd *Seed) Apply(ctx context.Context, s store.Store) error {
	return store.Seed(ctx, s, sd.Creditors, sd.Contacts, sd.Templates)
}

func seedError(err error, path, section string, index int) error {
	appErr := apperrors.WrapIfNeeded(err, apperrors.CategoryValidation, apperrors.CodeMalformedInput, "invalid seed record")
	return appErr.WithContext("file", path).
		WithContext("section", section).
		WithContext("index", index)
}
