package meteo

import "testing"

func TestGetSymbolCode(t *testing.T) {
	fallback := WeatherSymbol("cloudy")
	clearSky := ClearSkyDay

	tests := []struct {
		name string
		step ForecastTimeStep
		want *WeatherSymbol
	}{
		{
			name: "nil data",
			step: ForecastTimeStep{},
			want: nil,
		},
		{
			name: "next 1 hour preferred",
			step: ForecastTimeStep{Data: &ForecastTimeStepData{
				Next1Hours: &ForecastPeriodData{Summary: &ForecastSummary{SymbolCode: ClearSkyDay}},
				Next6Hours: &ForecastPeriodData{Summary: &ForecastSummary{SymbolCode: fallback}},
			}},
			want: &clearSky,
		},
		{
			name: "falls back to next 6 hours",
			step: ForecastTimeStep{Data: &ForecastTimeStepData{
				Next6Hours: &ForecastPeriodData{Summary: &ForecastSummary{SymbolCode: fallback}},
			}},
			want: &fallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.step.GetSymbolCode()
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("GetSymbolCode() = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("GetSymbolCode() = %v, want %v", *got, *tt.want)
			}
		})
	}
}

func TestHasThunder(t *testing.T) {
	tests := []struct {
		symbol WeatherSymbol
		want   bool
	}{
		{WeatherSymbol("heavyrainandthunder"), true},
		{WeatherSymbol("lightrainshowersandthunder_day"), true},
		{WeatherSymbol("clearsky_day"), false},
		{WeatherSymbol("cloudy"), false},
	}

	for _, tt := range tests {
		if got := tt.symbol.HasThunder(); got != tt.want {
			t.Errorf("HasThunder(%q) = %v, want %v", tt.symbol, got, tt.want)
		}
	}
}

func TestGetCloudCoverage(t *testing.T) {
	var nilStep *ForecastTimeStep
	if got := nilStep.GetCloudCoverage(); got != nil {
		t.Errorf("GetCloudCoverage() on nil step = %v, want nil", got)
	}

	cloud := 62.5
	step := ForecastTimeStep{Data: &ForecastTimeStepData{
		Instant: &ForecastInstantData{Details: &ForecastTimeInstant{CloudAreaFraction: &cloud}},
	}}
	if got := step.GetCloudCoverage(); got == nil || *got != cloud {
		t.Errorf("GetCloudCoverage() = %v, want %v", got, cloud)
	}
}
