package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// DefaultAbuseIPDBURL is the public check endpoint.
const DefaultAbuseIPDBURL = "https://api.abuseipdb.com/api/v2/check"

// AbuseIPDB scores addresses with the AbuseIPDB confidence score (0-100).
type AbuseIPDB struct {
	Endpoint   string
	APIKey     string
	MaxAgeDays int
	HTTP       *http.Client
}

// NewAbuseIPDB returns a scorer using apiKey.
func NewAbuseIPDB(apiKey string) *AbuseIPDB {
	return &AbuseIPDB{Endpoint: DefaultAbuseIPDBURL, APIKey: apiKey, MaxAgeDays: 90, HTTP: http.DefaultClient}
}

type abuseIPDBResponse struct {
	Data struct {
		AbuseConfidenceScore int `json:"abuseConfidenceScore"`
	} `json:"data"`
}

// Score implements Scorer.
func (a *AbuseIPDB) Score(ctx context.Context, address string) (int, error) {
	q := url.Values{}
	q.Set("ipAddress", address)
	q.Set("maxAgeInDays", fmt.Sprint(a.MaxAgeDays))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Key", a.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("abuseipdb: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("abuseipdb: status %d", resp.StatusCode)
	}
	var body abuseIPDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("abuseipdb: decode: %w", err)
	}
	return body.Data.AbuseConfidenceScore, nil
}
