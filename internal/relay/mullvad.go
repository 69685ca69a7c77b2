// Package relay rotates the egress identity through Mullvad VPN relays.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultRelaysURL lists every Mullvad relay.
const DefaultRelaysURL = "https://api.mullvad.net/www/relays/all/"

// DefaultIPURL reports the caller's public address.
const DefaultIPURL = "https://api.ipify.org?format=json"

// Relay is one entry of the Mullvad relay list.
type Relay struct {
	Hostname    string `json:"hostname"`
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	CityCode    string `json:"city_code"`
	CityName    string `json:"city_name"`
	Active      bool   `json:"active"`
	Type        string `json:"type"`
}

// Client queries the relay list and the public IP service.
type Client struct {
	http      *http.Client
	relaysURL string
	ipURL     string
}

// NewClient builds a Client. Empty URLs fall back to the public endpoints.
func NewClient(httpClient *http.Client, relaysURL, ipURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if relaysURL == "" {
		relaysURL = DefaultRelaysURL
	}
	if ipURL == "" {
		ipURL = DefaultIPURL
	}
	return &Client{http: httpClient, relaysURL: relaysURL, ipURL: ipURL}
}

// Relays fetches the full relay list.
func (c *Client) Relays(ctx context.Context) ([]Relay, error) {
	var relays []Relay
	if err := c.getJSON(ctx, c.relaysURL, &relays); err != nil {
		return nil, fmt.Errorf("fetch relays: %w", err)
	}
	return relays, nil
}

// CurrentIP returns the public address traffic currently leaves from.
func (c *Client) CurrentIP(ctx context.Context) (string, error) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := c.getJSON(ctx, c.ipURL, &body); err != nil {
		return "", fmt.Errorf("query public ip: %w", err)
	}
	if body.IP == "" {
		return "", fmt.Errorf("query public ip: empty answer")
	}
	return body.IP, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
