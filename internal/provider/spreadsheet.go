package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/model"
)

// Spreadsheet reads activities from a local XLSX workbook, one row per
// activity under a header row. The workbook is the user's own log, so
// it is both readable and writable, and new activities can be appended.
//
// Row identity is the 1-based sheet row number. Rows must not be
// reordered between a pull and a write-back; a re-pull after editing
// the workbook re-establishes identity.
type Spreadsheet struct {
	mu    sync.Mutex
	path  string
	sheet string
	loc   *time.Location
	log   *zap.Logger
}

// SpreadsheetOptions configures the adapter.
type SpreadsheetOptions struct {
	Path  string
	Sheet string

	// Location interprets date and time cells, which carry no zone.
	Location *time.Location
}

// NewSpreadsheet creates the workbook adapter.
func NewSpreadsheet(opts SpreadsheetOptions) *Spreadsheet {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Spreadsheet{
		path:  opts.Path,
		sheet: opts.Sheet,
		loc:   loc,
		log:   zap.L().With(zap.String("provider", "spreadsheet")),
	}
}

func (s *Spreadsheet) Name() model.ProviderName { return model.ProviderSpreadsheet }

func (s *Spreadsheet) Capabilities() Capabilities {
	return Capabilities{UpdateName: true, UpdateEquipment: true, CreateActivity: true}
}

// columnFields maps recognized header names (lowercased, trimmed) to
// activity fields. Unrecognized columns are ignored.
var columnFields = map[string]model.FieldName{
	"name":      model.FieldTitle,
	"title":     model.FieldTitle,
	"equipment": model.FieldEquipment,
	"gear":      model.FieldEquipment,
	"notes":     model.FieldNotes,
	"location":  model.FieldLocation,
	"city":      model.FieldCity,
	"state":     model.FieldState,
	"calories":  model.FieldCalories,
	"elevation": model.FieldElevationGain,
}

// FetchMonth loads the sheet and returns the rows whose date falls in
// month. Rows with an unparseable date are skipped with a warning, not
// fatal: one bad row must not block the month.
func (s *Spreadsheet) FetchMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sheet, err := s.openSheet()
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	cols := s.headerIndex(sheet.Rows[0])
	start, end := month.Range(s.loc)

	var out []model.NormalizedActivity
	for i, row := range sheet.Rows[1:] {
		rowNum := i + 2 // 1-based, after the header
		act, err := s.normalizeRow(row, cols, rowNum)
		if err != nil {
			s.log.Warn("skipping row", zap.Int("row", rowNum), zap.Error(err))
			continue
		}
		if act.StartTime.Before(start) || !act.StartTime.Before(end) {
			continue
		}
		out = append(out, act)
	}
	return out, nil
}

// headerIndex maps logical column names to cell positions.
func (s *Spreadsheet) headerIndex(header *xlsx.Row) map[string]int {
	cols := map[string]int{}
	for i, cell := range header.Cells {
		name := strings.ToLower(strings.TrimSpace(cell.String()))
		if name != "" {
			cols[name] = i
		}
	}
	return cols
}

func (s *Spreadsheet) normalizeRow(row *xlsx.Row, cols map[string]int, rowNum int) (model.NormalizedActivity, error) {
	dateStr := cellAt(row, cols, "date")
	if dateStr == "" {
		return model.NormalizedActivity{}, eris.New("spreadsheet: empty date")
	}
	startTime, err := s.parseStart(dateStr, cellAt(row, cols, "time"))
	if err != nil {
		return model.NormalizedActivity{}, err
	}

	fields := model.Fields{}
	for header, field := range columnFields {
		idx, ok := cols[header]
		if !ok || idx >= len(row.Cells) {
			continue
		}
		raw := strings.TrimSpace(row.Cells[idx].String())
		if raw == "" {
			continue
		}
		if model.NumericFields[field] {
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				fields[field] = model.Number(n)
			}
			continue
		}
		fields[field] = model.Text(raw)
	}

	act := model.NormalizedActivity{
		ProviderID:   strconv.Itoa(rowNum),
		Provider:     model.ProviderSpreadsheet,
		StartTime:    startTime.UTC(),
		ActivityType: model.CanonicalType(cellAt(row, cols, "type")),
		Fields:       fields,
	}
	if d, ok := parseDuration(cellAt(row, cols, "duration")); ok {
		act.DurationSeconds = model.Float64(d)
	}
	if km, err := strconv.ParseFloat(cellAt(row, cols, "distance_km"), 64); err == nil && km > 0 {
		act.DistanceMeters = model.Float64(km * 1000)
	} else if m, err := strconv.ParseFloat(cellAt(row, cols, "distance"), 64); err == nil && m > 0 {
		act.DistanceMeters = model.Float64(m)
	}
	return act, nil
}

// parseStart combines the date cell and optional time cell in the home
// timezone.
func (s *Spreadsheet) parseStart(dateStr, timeStr string) (time.Time, error) {
	var layouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "01-02-06"}
	var day time.Time
	var err error
	for _, layout := range layouts {
		day, err = time.ParseInLocation(layout, dateStr, s.loc)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, eris.Errorf("spreadsheet: unparseable date %q", dateStr)
	}

	if timeStr == "" {
		return day, nil
	}
	for _, layout := range []string{"15:04", "15:04:05", "3:04 PM"} {
		if t, err := time.ParseInLocation(layout, timeStr, s.loc); err == nil {
			return day.Add(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return day, nil
}

// ApplyChange writes one cell back and saves the workbook. The row must
// still exist; a shrunken sheet means the pull is stale.
func (s *Spreadsheet) ApplyChange(ctx context.Context, providerID string, field model.FieldName, value model.FieldValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	rowNum, err := strconv.Atoi(providerID)
	if err != nil {
		return eris.Errorf("spreadsheet: bad row id %q", providerID)
	}

	f, err := xlsx.OpenFile(s.path)
	if err != nil {
		return eris.Wrap(err, "spreadsheet: open workbook")
	}
	sheet, err := s.pickSheet(f)
	if err != nil {
		return err
	}
	if rowNum < 2 || rowNum > len(sheet.Rows) {
		return eris.Errorf("spreadsheet: row %d out of range", rowNum)
	}

	cols := s.headerIndex(sheet.Rows[0])
	idx, ok := s.columnFor(cols, field)
	if !ok {
		return &UnsupportedError{Provider: model.ProviderSpreadsheet, Operation: fmt.Sprintf("update %s", field)}
	}

	row := sheet.Rows[rowNum-1]
	for len(row.Cells) <= idx {
		row.AddCell()
	}
	if value.Kind == model.KindNumber {
		row.Cells[idx].SetFloat(value.Number)
	} else {
		row.Cells[idx].SetString(value.String())
	}

	if err := f.Save(s.path); err != nil {
		return eris.Wrap(err, "spreadsheet: save workbook")
	}
	s.log.Info("cell updated", zap.Int("row", rowNum), zap.String("field", string(field)))
	return nil
}

// CreateActivity appends a row for an activity missing from the log.
func (s *Spreadsheet) CreateActivity(ctx context.Context, act model.NormalizedActivity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := xlsx.OpenFile(s.path)
	if err != nil {
		return "", eris.Wrap(err, "spreadsheet: open workbook")
	}
	sheet, err := s.pickSheet(f)
	if err != nil {
		return "", err
	}
	if len(sheet.Rows) == 0 {
		return "", eris.New("spreadsheet: workbook has no header row")
	}
	cols := s.headerIndex(sheet.Rows[0])

	row := sheet.AddRow()
	width := 0
	for _, idx := range cols {
		if idx+1 > width {
			width = idx + 1
		}
	}
	for range width {
		row.AddCell()
	}

	local := act.StartTime.In(s.loc)
	setCell(row, cols, "date", local.Format("2006-01-02"))
	setCell(row, cols, "time", local.Format("15:04"))
	setCell(row, cols, "type", string(act.ActivityType))
	if act.DurationSeconds != nil {
		setCell(row, cols, "duration", formatDuration(*act.DurationSeconds))
	}
	if act.DistanceMeters != nil {
		if idx, ok := cols["distance_km"]; ok {
			row.Cells[idx].SetFloat(*act.DistanceMeters / 1000)
		} else if idx, ok := cols["distance"]; ok {
			row.Cells[idx].SetFloat(*act.DistanceMeters)
		}
	}
	for header, field := range columnFields {
		if v, ok := act.Fields[field]; ok && !v.IsNull() {
			setCell(row, cols, header, v.String())
		}
	}

	if err := f.Save(s.path); err != nil {
		return "", eris.Wrap(err, "spreadsheet: save workbook")
	}

	rowNum := len(sheet.Rows)
	s.log.Info("row appended", zap.Int("row", rowNum))
	return strconv.Itoa(rowNum), nil
}

func (s *Spreadsheet) openSheet() (*xlsx.Sheet, error) {
	f, err := xlsx.OpenFile(s.path)
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: open workbook")
	}
	return s.pickSheet(f)
}

func (s *Spreadsheet) pickSheet(f *xlsx.File) (*xlsx.Sheet, error) {
	if s.sheet != "" {
		sheet, ok := f.Sheet[s.sheet]
		if !ok {
			return nil, eris.Errorf("spreadsheet: sheet %q not found", s.sheet)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("spreadsheet: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

// columnFor finds the sheet column carrying field, trying every header
// alias.
func (s *Spreadsheet) columnFor(cols map[string]int, field model.FieldName) (int, bool) {
	for header, f := range columnFields {
		if f != field {
			continue
		}
		if idx, ok := cols[header]; ok {
			return idx, true
		}
	}
	return 0, false
}

func cellAt(row *xlsx.Row, cols map[string]int, name string) string {
	idx, ok := cols[name]
	if !ok || idx >= len(row.Cells) {
		return ""
	}
	return strings.TrimSpace(row.Cells[idx].String())
}

func setCell(row *xlsx.Row, cols map[string]int, name, value string) {
	idx, ok := cols[name]
	if !ok || idx >= len(row.Cells) {
		return
	}
	row.Cells[idx].SetString(value)
}

// parseDuration accepts "H:MM:SS", "MM:SS", or plain seconds.
func parseDuration(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n, n > 0
	}
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0.0
	for _, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return total, total > 0
}

func formatDuration(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
