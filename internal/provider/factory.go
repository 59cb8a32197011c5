package provider

import (
	"time"

	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/model"
)

// FromConfig builds a registry containing every enabled provider, in
// configured priority order so registry iteration matches diff
// tie-breaking.
func FromConfig(cfg *config.Config) *Registry {
	reg := NewRegistry()
	for _, name := range cfg.PriorityOrder() {
		pc := cfg.Provider(name)
		timeout := time.Duration(pc.TimeoutSecs) * time.Second

		switch name {
		case model.ProviderStrava:
			reg.Register(NewStrava(StravaOptions{
				BaseURL:           pc.BaseURL,
				AccessToken:       pc.AccessToken,
				RequestsPerSecond: pc.RequestsPerSecond,
				Timeout:           timeout,
			}))
		case model.ProviderGarmin:
			reg.Register(NewGarmin(GarminOptions{
				BaseURL:           pc.BaseURL,
				AccessToken:       pc.AccessToken,
				RequestsPerSecond: pc.RequestsPerSecond,
				Timeout:           timeout,
			}))
		case model.ProviderRideWithGPS:
			reg.Register(NewRideWithGPS(RideWithGPSOptions{
				BaseURL:           pc.BaseURL,
				APIKey:            pc.APIKey,
				Email:             pc.Email,
				Password:          pc.Password,
				RequestsPerSecond: pc.RequestsPerSecond,
				Timeout:           timeout,
			}))
		case model.ProviderSpreadsheet:
			reg.Register(NewSpreadsheet(SpreadsheetOptions{
				Path:     pc.Path,
				Sheet:    pc.Sheet,
				Location: cfg.Location(),
			}))
		case model.ProviderFile:
			reg.Register(NewFile(pc.Dir))
		}
	}
	return reg
}
