package provider

import (
	"fmt"
	"strconv"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the merged forecast provider based on flags.
func Configured() *Provider {
	oteURL := lflag.String("ote-api-url", "https://www.ote-cr.cz/api/v1", "Base URL of the day-ahead market API")
	meteoURL := lflag.String("meteo-api-url", "https://api.open-meteo.com/v1", "Base URL of the PV/load forecast API")
	lat := lflag.String("site-latitude", "50.0755", "Site latitude for PV forecast shaping")
	lon := lflag.String("site-longitude", "14.4378", "Site longitude for PV forecast shaping")

	p := &Provider{}
	lflag.Do(func() {
		latF, err := strconv.ParseFloat(*lat, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid site-latitude: %v", err))
		}
		lonF, err := strconv.ParseFloat(*lon, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid site-longitude: %v", err))
		}
		p.spot = NewOTESpot(*oteURL)
		p.forecast = NewMeteo(*meteoURL, latF, lonF)
	})
	return p
}
