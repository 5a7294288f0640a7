package satellite

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// FIRMS near-real-time products
const (
	SourceVIIRSSNPP    = "VIIRS_SNPP_NRT"
	SourceVIIRSNOAA20  = "VIIRS_NOAA20_NRT"
	SourceMODIS        = "MODIS_NRT"
	defaultFIRMSAPIURL = "https://firms.modaps.eosdis.nasa.gov"
)

// ErrNoHeader is returned for an empty CSV body
var ErrNoHeader = errors.New("FIRMS CSV has no header row")

// ParseFIRMS reads a FIRMS area CSV export. Columns are located by header
// name; rows whose latitude or longitude do not parse are skipped. A row with
// no usable brightness keeps BrightnessK nil so the filter reports it as
// missing data.
func ParseFIRMS(r io.Reader, satellite string) ([]messages.Hotspot, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read FIRMS header: %w", err)
	}

	cols := map[string]int{}
	brightCol := -1
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		cols[name] = i
		if brightCol < 0 && strings.HasPrefix(name, "bright") {
			brightCol = i
		}
	}

	latCol, okLat := cols["latitude"]
	lonCol, okLon := cols["longitude"]
	if !okLat || !okLon {
		return nil, fmt.Errorf("FIRMS CSV missing latitude/longitude columns")
	}

	field := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var hotspots []messages.Hotspot
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return hotspots, fmt.Errorf("failed to read FIRMS row: %w", err)
		}
		if latCol >= len(row) || lonCol >= len(row) {
			continue
		}

		lat, errLat := strconv.ParseFloat(strings.TrimSpace(row[latCol]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(row[lonCol]), 64)
		if errLat != nil || errLon != nil {
			continue
		}

		h := messages.Hotspot{Latitude: &lat, Longitude: &lon}
		if brightCol >= 0 && brightCol < len(row) {
			if b, err := strconv.ParseFloat(strings.TrimSpace(row[brightCol]), 64); err == nil {
				h.BrightnessK = &b
			}
		}
		h.Satellite = satellite
		if frp, err := strconv.ParseFloat(field(row, "frp"), 64); err == nil {
			h.FRP = frp
		}
		h.Confidence = field(row, "confidence")
		h.AcquiredAt = parseAcquired(field(row, "acq_date"), field(row, "acq_time"))

		hotspots = append(hotspots, h)
	}

	return hotspots, nil
}

// parseAcquired combines acq_date (YYYY-MM-DD) and acq_time (HHMM, leading
// zeros optional) into a UTC timestamp.
func parseAcquired(date, hhmm string) time.Time {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}
	}
	if n, err := strconv.Atoi(hhmm); err == nil && n >= 0 && n < 2400 {
		day = day.Add(time.Duration(n/100)*time.Hour + time.Duration(n%100)*time.Minute)
	}
	return day.UTC()
}

// FIRMSClient downloads area CSV exports from the FIRMS API
type FIRMSClient struct {
	baseURL    string
	mapKey     string
	httpClient *http.Client
}

// NewFIRMSClient creates a FIRMS client. An empty baseURL uses the public API.
func NewFIRMSClient(baseURL, mapKey string) *FIRMSClient {
	if baseURL == "" {
		baseURL = defaultFIRMSAPIURL
	}
	return &FIRMSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		mapKey:  mapKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Fetch downloads hotspots for a bounding box "west,south,east,north" over
// the last days (1-10).
func (c *FIRMSClient) Fetch(ctx context.Context, source, area string, days int) ([]messages.Hotspot, error) {
	if days < 1 || days > 10 {
		return nil, fmt.Errorf("days must be between 1 and 10, got %d", days)
	}
	url := fmt.Sprintf("%s/api/area/csv/%s/%s/%s/%d", c.baseURL, c.mapKey, source, area, days)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("FIRMS returned status %d: %s", resp.StatusCode, string(body))
	}

	return ParseFIRMS(resp.Body, source)
}
