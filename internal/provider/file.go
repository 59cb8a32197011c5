package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fitsync/fitsync/internal/model"
)

// File reads activities from per-month YAML documents in a local
// directory, one file per month named "YYYY-MM.yaml". The files are
// treated as an external export: read-only, every write is refused as
// unsupported.
type File struct {
	dir string
	log *zap.Logger
}

// NewFile creates the YAML directory adapter.
func NewFile(dir string) *File {
	return &File{
		dir: dir,
		log: zap.L().With(zap.String("provider", "file")),
	}
}

func (f *File) Name() model.ProviderName { return model.ProviderFile }

func (f *File) Capabilities() Capabilities { return Capabilities{} }

// fileActivity is the on-disk YAML shape.
type fileActivity struct {
	ID              string            `yaml:"id"`
	StartTime       time.Time         `yaml:"start_time"`
	Type            string            `yaml:"type"`
	DurationSeconds *float64          `yaml:"duration_seconds"`
	DistanceMeters  *float64          `yaml:"distance_meters"`
	Name            string            `yaml:"name"`
	Equipment       string            `yaml:"equipment"`
	Notes           string            `yaml:"notes"`
	Fields          map[string]string `yaml:"fields"`
}

// FetchMonth loads dir/YYYY-MM.yaml. A missing file means the month
// simply has no exported activities.
func (f *File) FetchMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(f.dir, month.String()+".yaml")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "file: read %s", path)
	}

	var entries []fileActivity
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, eris.Wrapf(err, "file: parse %s", path)
	}

	start, end := month.Range(time.UTC)
	out := make([]model.NormalizedActivity, 0, len(entries))
	for i, e := range entries {
		if e.StartTime.IsZero() {
			f.log.Warn("skipping entry without start_time", zap.String("file", path), zap.Int("index", i))
			continue
		}
		st := e.StartTime.UTC()
		if st.Before(start) || !st.Before(end) {
			f.log.Warn("entry outside its month file", zap.String("file", path), zap.Int("index", i))
			continue
		}

		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s#%d", month, i)
		}

		fields := model.Fields{}
		setText(fields, model.FieldTitle, e.Name)
		setText(fields, model.FieldEquipment, e.Equipment)
		setText(fields, model.FieldNotes, e.Notes)
		for k, v := range e.Fields {
			setText(fields, model.FieldName(k), v)
		}

		out = append(out, model.NormalizedActivity{
			ProviderID:      id,
			Provider:        model.ProviderFile,
			StartTime:       st,
			DurationSeconds: e.DurationSeconds,
			DistanceMeters:  e.DistanceMeters,
			ActivityType:    model.CanonicalType(e.Type),
			Fields:          fields,
		})
	}
	return out, nil
}

// ApplyChange always refuses: the export directory is not ours to edit.
func (f *File) ApplyChange(_ context.Context, _ string, field model.FieldName, _ model.FieldValue) error {
	return &UnsupportedError{Provider: model.ProviderFile, Operation: fmt.Sprintf("update %s", field)}
}
