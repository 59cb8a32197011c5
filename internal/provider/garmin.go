package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/model"
)

const garminPageSize = 100

// Garmin pulls from the Garmin Connect activity list API. Garmin only
// accepts name updates; equipment lives in its own gear service and is
// read-only here.
type Garmin struct {
	client *apiClient
	log    *zap.Logger
}

// GarminOptions configures the adapter.
type GarminOptions struct {
	BaseURL           string
	AccessToken       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// NewGarmin creates the Garmin adapter.
func NewGarmin(opts GarminOptions) *Garmin {
	base := opts.BaseURL
	if base == "" {
		base = "https://connectapi.garmin.com"
	}
	return &Garmin{
		client: newAPIClient(model.ProviderGarmin, base, opts.RequestsPerSecond, opts.Timeout, bearerAuth(opts.AccessToken)),
		log:    zap.L().With(zap.String("provider", "garmin")),
	}
}

func (g *Garmin) Name() model.ProviderName { return model.ProviderGarmin }

func (g *Garmin) Capabilities() Capabilities {
	return Capabilities{UpdateName: true}
}

type garminActivity struct {
	ActivityID   int64   `json:"activityId"`
	ActivityName string  `json:"activityName"`
	StartTimeGMT string  `json:"startTimeGMT"`
	Distance     float64 `json:"distance"`
	Duration     float64 `json:"duration"`
	ActivityType struct {
		TypeKey string `json:"typeKey"`
	} `json:"activityType"`
	Calories      *float64 `json:"calories"`
	AverageHR     *float64 `json:"averageHR"`
	MaxHR         *float64 `json:"maxHR"`
	ElevationGain *float64 `json:"elevationGain"`
	MaxElevation  *float64 `json:"maxElevation"`
	LocationName  string   `json:"locationName"`
}

// garminTimeLayout is the GMT timestamp format the activity list uses.
const garminTimeLayout = "2006-01-02 15:04:05"

// FetchMonth pages the activity search endpoint bracketed by calendar
// dates. The date filter is day-granular, so edges are re-filtered
// against the month's true bounds.
func (g *Garmin) FetchMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error) {
	start, end := month.Range(time.UTC)

	var out []model.NormalizedActivity
	for offset := 0; ; offset += garminPageSize {
		q := url.Values{}
		q.Set("startDate", start.Format("2006-01-02"))
		q.Set("endDate", end.Add(-time.Second).Format("2006-01-02"))
		q.Set("start", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(garminPageSize))

		var batch []garminActivity
		if err := g.client.getJSON(ctx, "/activitylist-service/activities/search/activities", q, &batch); err != nil {
			return nil, err
		}
		for _, raw := range batch {
			act, err := g.normalize(raw)
			if err != nil {
				g.log.Warn("skipping malformed activity", zap.Int64("id", raw.ActivityID), zap.Error(err))
				continue
			}
			if act.StartTime.Before(start) || !act.StartTime.Before(end) {
				continue
			}
			out = append(out, act)
		}
		if len(batch) < garminPageSize {
			break
		}
	}

	g.log.Debug("month fetched", zap.String("month", month.String()), zap.Int("activities", len(out)))
	return out, nil
}

func (g *Garmin) normalize(raw garminActivity) (model.NormalizedActivity, error) {
	startTime, err := time.ParseInLocation(garminTimeLayout, raw.StartTimeGMT, time.UTC)
	if err != nil {
		return model.NormalizedActivity{}, eris.Wrapf(err, "garmin: startTimeGMT %q", raw.StartTimeGMT)
	}

	fields := model.Fields{}
	setText(fields, model.FieldTitle, raw.ActivityName)
	setText(fields, model.FieldLocation, raw.LocationName)
	setNumber(fields, model.FieldCalories, raw.Calories)
	setNumber(fields, model.FieldAvgHeartRate, raw.AverageHR)
	setNumber(fields, model.FieldMaxHeartRate, raw.MaxHR)
	setNumber(fields, model.FieldElevationGain, raw.ElevationGain)
	setNumber(fields, model.FieldMaxElevation, raw.MaxElevation)

	act := model.NormalizedActivity{
		ProviderID:   strconv.FormatInt(raw.ActivityID, 10),
		Provider:     model.ProviderGarmin,
		StartTime:    startTime,
		ActivityType: model.CanonicalType(raw.ActivityType.TypeKey),
		Fields:       fields,
	}
	if raw.Duration > 0 {
		act.DurationSeconds = model.Float64(raw.Duration)
	}
	if raw.Distance > 0 {
		act.DistanceMeters = model.Float64(raw.Distance)
	}
	return act, nil
}

// ApplyChange renames an activity. Everything else is unsupported.
func (g *Garmin) ApplyChange(ctx context.Context, providerID string, field model.FieldName, value model.FieldValue) error {
	if field != model.FieldTitle {
		return &UnsupportedError{Provider: model.ProviderGarmin, Operation: fmt.Sprintf("update %s", field)}
	}
	payload := map[string]any{
		"activityId":   providerID,
		"activityName": value.String(),
	}
	return g.client.sendJSON(ctx, "PUT", "/activity-service/activity/"+providerID, payload)
}
