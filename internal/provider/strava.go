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

const stravaPageSize = 200

// Strava pulls from the Strava v3 REST API using an OAuth access token.
// Both name and gear (equipment) are writable.
type Strava struct {
	client *apiClient
	log    *zap.Logger
}

// StravaOptions configures the adapter.
type StravaOptions struct {
	BaseURL           string
	AccessToken       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// NewStrava creates the Strava adapter.
func NewStrava(opts StravaOptions) *Strava {
	base := opts.BaseURL
	if base == "" {
		base = "https://www.strava.com/api/v3"
	}
	return &Strava{
		client: newAPIClient(model.ProviderStrava, base, opts.RequestsPerSecond, opts.Timeout, bearerAuth(opts.AccessToken)),
		log:    zap.L().With(zap.String("provider", "strava")),
	}
}

func (s *Strava) Name() model.ProviderName { return model.ProviderStrava }

func (s *Strava) Capabilities() Capabilities {
	return Capabilities{UpdateName: true, UpdateEquipment: true}
}

// stravaActivity is the slice of the API payload we consume.
type stravaActivity struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Distance       float64  `json:"distance"`
	MovingTime     float64  `json:"moving_time"`
	ElapsedTime    float64  `json:"elapsed_time"`
	SportType      string   `json:"sport_type"`
	Type           string   `json:"type"`
	StartDate      string   `json:"start_date"`
	ElevationGain  float64  `json:"total_elevation_gain"`
	AvgHeartrate   *float64 `json:"average_heartrate"`
	MaxHeartrate   *float64 `json:"max_heartrate"`
	AvgCadence     *float64 `json:"average_cadence"`
	MaxSpeed       *float64 `json:"max_speed"`
	Calories       *float64 `json:"calories"`
	GearName       string   `json:"gear_name"`
	LocationCity   string   `json:"location_city"`
	LocationState  string   `json:"location_state"`
	AverageTemp    *float64 `json:"average_temp"`
}

// FetchMonth pages through /athlete/activities bracketed by the month's
// epoch bounds. Strava's after/before filter is exclusive on both ends,
// so the bounds are widened by a second and re-filtered locally.
func (s *Strava) FetchMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error) {
	start, end := month.Range(time.UTC)

	var out []model.NormalizedActivity
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("after", strconv.FormatInt(start.Add(-time.Second).Unix(), 10))
		q.Set("before", strconv.FormatInt(end.Unix(), 10))
		q.Set("per_page", strconv.Itoa(stravaPageSize))
		q.Set("page", strconv.Itoa(page))

		var batch []stravaActivity
		if err := s.client.getJSON(ctx, "/athlete/activities", q, &batch); err != nil {
			return nil, err
		}
		for _, raw := range batch {
			act, err := s.normalize(raw)
			if err != nil {
				s.log.Warn("skipping malformed activity", zap.Int64("id", raw.ID), zap.Error(err))
				continue
			}
			if act.StartTime.Before(start) || !act.StartTime.Before(end) {
				continue
			}
			out = append(out, act)
		}
		if len(batch) < stravaPageSize {
			break
		}
	}

	s.log.Debug("month fetched", zap.String("month", month.String()), zap.Int("activities", len(out)))
	return out, nil
}

func (s *Strava) normalize(raw stravaActivity) (model.NormalizedActivity, error) {
	startTime, err := time.Parse(time.RFC3339, raw.StartDate)
	if err != nil {
		return model.NormalizedActivity{}, eris.Wrapf(err, "strava: start_date %q", raw.StartDate)
	}

	duration := raw.MovingTime
	if duration == 0 {
		duration = raw.ElapsedTime
	}
	sport := raw.SportType
	if sport == "" {
		sport = raw.Type
	}

	fields := model.Fields{}
	setText(fields, model.FieldTitle, raw.Name)
	setText(fields, model.FieldEquipment, raw.GearName)
	setText(fields, model.FieldCity, raw.LocationCity)
	setText(fields, model.FieldState, raw.LocationState)
	setNumber(fields, model.FieldElevationGain, &raw.ElevationGain)
	setNumber(fields, model.FieldAvgHeartRate, raw.AvgHeartrate)
	setNumber(fields, model.FieldMaxHeartRate, raw.MaxHeartrate)
	setNumber(fields, model.FieldAvgCadence, raw.AvgCadence)
	setNumber(fields, model.FieldMaxSpeed, raw.MaxSpeed)
	setNumber(fields, model.FieldCalories, raw.Calories)
	setNumber(fields, model.FieldTemperature, raw.AverageTemp)

	act := model.NormalizedActivity{
		ProviderID:      strconv.FormatInt(raw.ID, 10),
		Provider:        model.ProviderStrava,
		StartTime:       startTime.UTC(),
		DurationSeconds: model.Float64(duration),
		ActivityType:    model.CanonicalType(sport),
		Fields:          fields,
	}
	if raw.Distance > 0 {
		act.DistanceMeters = model.Float64(raw.Distance)
	}
	return act, nil
}

// ApplyChange updates one activity via PUT /activities/{id}. Only name
// and gear are writable through this API surface.
func (s *Strava) ApplyChange(ctx context.Context, providerID string, field model.FieldName, value model.FieldValue) error {
	var payload map[string]any
	switch field {
	case model.FieldTitle:
		payload = map[string]any{"name": value.String()}
	case model.FieldEquipment:
		payload = map[string]any{"gear_id": value.String()}
	default:
		return &UnsupportedError{Provider: model.ProviderStrava, Operation: fmt.Sprintf("update %s", field)}
	}
	return s.client.sendJSON(ctx, "PUT", "/activities/"+providerID, payload)
}

// setText records a non-empty text field.
func setText(f model.Fields, name model.FieldName, v string) {
	if v != "" {
		f[name] = model.Text(v)
	}
}

// setNumber records a present, non-zero numeric field.
func setNumber(f model.Fields, name model.FieldName, v *float64) {
	if v != nil && *v != 0 {
		f[name] = model.Number(*v)
	}
}
