package dataset

import (
	"errors"
	"fmt"
)

// Dataset keys used by the mobile client.
const (
	KeyHFIStats          = "hfiStats"
	KeyProvincialSummary = "provincialSummary"
	KeyTPIStats          = "tpiStats"
)

// Advisory levels attached to fire shapes and fuel areas.
const (
	StatusAdvisory = "advisory"
	StatusWarning  = "warning"
)

// FireShapeStatus is the advisory state of one fire zone unit.
type FireShapeStatus struct {
	FireShapeID    int    `json:"fire_shape_id"`
	FireShapeName  string `json:"fire_shape_name"`
	FireCentreName string `json:"fire_centre_name"`
	Status         string `json:"status,omitempty"`
}

// ProvincialSummary is the status of every fire zone unit in the province.
type ProvincialSummary []FireShapeStatus

// CriticalHours is the local-hour window during which HFI exceeds the
// threshold.
type CriticalHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// FuelAreaStats is the area of one fuel type above one HFI threshold.
type FuelAreaStats struct {
	FuelType      string         `json:"fuel_type"`
	Threshold     string         `json:"threshold"`
	CriticalHours *CriticalHours `json:"critical_hours,omitempty"`
	AreaHectares  float64        `json:"area"`
	FuelAreaTotal float64        `json:"fuel_area"`
}

// ZoneHFIStats is the HFI breakdown for one fire zone unit.
type ZoneHFIStats struct {
	MinWindSpeed  *float64        `json:"min_wind_speed,omitempty"`
	FuelAreaStats []FuelAreaStats `json:"fuel_area_stats"`
}

// HFIStats maps fire zone unit id to its HFI breakdown.
type HFIStats map[string]ZoneHFIStats

// TPIZoneStats is the topographic position breakdown of HFI area in one
// fire zone unit, in hectares.
type TPIZoneStats struct {
	FireZoneID   int     `json:"fire_zone_id"`
	ValleyBottom float64 `json:"valley_bottom"`
	MidSlope     float64 `json:"mid_slope"`
	UpperSlope   float64 `json:"upper_slope"`
}

// TPIStats lists TPI breakdowns for every fire zone unit.
type TPIStats []TPIZoneStats

// HFIStatsSchema declares the hfiStats dataset.
var HFIStatsSchema = Schema[HFIStats]{Key: KeyHFIStats, Validate: validateHFIStats}

// ProvincialSummarySchema declares the provincialSummary dataset.
var ProvincialSummarySchema = Schema[ProvincialSummary]{Key: KeyProvincialSummary, Validate: validateProvincialSummary}

// TPIStatsSchema declares the tpiStats dataset.
var TPIStatsSchema = Schema[TPIStats]{Key: KeyTPIStats, Validate: validateTPIStats}

func validStatus(status string) bool {
	return status == "" || status == StatusAdvisory || status == StatusWarning
}

func validateProvincialSummary(summary ProvincialSummary) error {
	for _, shape := range summary {
		if shape.FireShapeID <= 0 {
			return errors.New("fire_shape_id must be positive")
		}
		if !validStatus(shape.Status) {
			return fmt.Errorf("fire shape %d: unknown status %q", shape.FireShapeID, shape.Status)
		}
	}
	return nil
}

func validateHFIStats(stats HFIStats) error {
	for zone, zoneStats := range stats {
		for _, area := range zoneStats.FuelAreaStats {
			if area.Threshold != StatusAdvisory && area.Threshold != StatusWarning {
				return fmt.Errorf("zone %s: unknown threshold %q", zone, area.Threshold)
			}
			if area.AreaHectares < 0 {
				return fmt.Errorf("zone %s: negative area for %s", zone, area.FuelType)
			}
		}
	}
	return nil
}

func validateTPIStats(stats TPIStats) error {
	for _, zone := range stats {
		if zone.ValleyBottom < 0 || zone.MidSlope < 0 || zone.UpperSlope < 0 {
			return fmt.Errorf("zone %d: negative tpi area", zone.FireZoneID)
		}
	}
	return nil
}
