package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const openMeteoURL = "https://api.open-meteo.com/v1/forecast"

// WeatherMarker is the coordinate and reading reported to marker observers
// after a successful lookup.
type WeatherMarker struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	Location         string  `json:"location,omitempty"`
	Temperature      float64 `json:"temperature"`
	TemperatureUnits string  `json:"temperature_units"`
	WindSpeed        float64 `json:"wind_speed"`
	WindSpeedUnits   string  `json:"wind_speed_units"`
}

type openMeteoResponse struct {
	CurrentUnits struct {
		Temperature string `json:"temperature_2m"`
		WindSpeed   string `json:"wind_speed_10m"`
	} `json:"current_units"`
	Current struct {
		Time        string  `json:"time"`
		Temperature float64 `json:"temperature_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
}

// WeatherTool looks up current conditions for a coordinate. baseURL defaults
// to the Open-Meteo forecast endpoint; onMarker fires after each successful
// lookup. Network failures surface as handler errors.
func WeatherTool(client *http.Client, baseURL string, onMarker func(WeatherMarker)) Tool {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = openMeteoURL
	}
	return Tool{
		Name:        "get_weather",
		Description: "Retrieves the weather for a given lat, lng coordinate pair. Specify a label for the location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"lat": map[string]any{
					"type":        "number",
					"description": "Latitude",
				},
				"lng": map[string]any{
					"type":        "number",
					"description": "Longitude",
				},
				"location": map[string]any{
					"type":        "string",
					"description": "Name of the location",
				},
			},
			"required": []string{"lat", "lng", "location"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			lat, err := numberArg(args, "lat")
			if err != nil {
				return nil, err
			}
			lng, err := numberArg(args, "lng")
			if err != nil {
				return nil, err
			}
			location, _ := args["location"].(string)

			query := url.Values{}
			query.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
			query.Set("longitude", strconv.FormatFloat(lng, 'f', -1, 64))
			query.Set("current", "temperature_2m,wind_speed_10m")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+query.Encode(), nil)
			if err != nil {
				return nil, fmt.Errorf("build weather request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("weather lookup: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("weather lookup: status %d", resp.StatusCode)
			}

			var body openMeteoResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return nil, fmt.Errorf("decode weather response: %w", err)
			}

			if onMarker != nil {
				onMarker(WeatherMarker{
					Lat:              lat,
					Lng:              lng,
					Location:         location,
					Temperature:      body.Current.Temperature,
					TemperatureUnits: body.CurrentUnits.Temperature,
					WindSpeed:        body.Current.WindSpeed,
					WindSpeedUnits:   body.CurrentUnits.WindSpeed,
				})
			}

			return map[string]any{
				"location": location,
				"temperature": map[string]any{
					"value": body.Current.Temperature,
					"units": body.CurrentUnits.Temperature,
				},
				"wind_speed": map[string]any{
					"value": body.Current.WindSpeed,
					"units": body.CurrentUnits.WindSpeed,
				},
			}, nil
		},
	}
}

func numberArg(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("argument %s: expected number", key)
	}
}
