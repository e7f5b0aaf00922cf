package utility

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
)

const (
	// documentTypePrices is the ENTSO-E document type for day-ahead prices.
	documentTypePrices = "A44"
	// curveTypeVariableBlocks omits every point whose price equals the
	// previous one.
	curveTypeVariableBlocks = "A03"
)

// Entsoe fetches day-ahead prices from the ENTSO-E transparency platform.
type Entsoe struct {
	apiURL   string
	apiKey   string
	client   *http.Client
	location *time.Location
}

// configuredEntsoe sets up flags for ENTSO-E and returns the instance.
func configuredEntsoe() *Entsoe {
	e := &Entsoe{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("entsoe-api-url", "https://web-api.tp.entsoe.eu/api", "URL for the ENTSO-E transparency platform API")
	apiKey := lflag.String("entsoe-api-key", "", "Security token for the ENTSO-E transparency platform API")
	tz := lflag.String("price-timezone", "Europe/Berlin", "Timezone that defines the delivery day of day-ahead prices")

	lflag.Do(func() {
		e.apiURL = *apiURL
		e.apiKey = *apiKey
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Sprintf("failed to load price-timezone %s: %v", *tz, err))
		}
		e.location = loc
	})

	return e
}

// Validate ensures the configuration is valid.
func (e *Entsoe) Validate() error {
	if e.apiURL == "" {
		return fmt.Errorf("entsoe-api-url is required")
	}
	if _, err := url.Parse(e.apiURL); err != nil {
		return fmt.Errorf("failed to parse entsoe url (%s): %w", e.apiURL, err)
	}
	if e.apiKey == "" {
		return fmt.Errorf("entsoe-api-key is required")
	}
	return nil
}

type entsoePoint struct {
	Position int     `xml:"position"`
	Price    float64 `xml:"price.amount"`
}

type entsoePeriod struct {
	Start      string        `xml:"timeInterval>start"`
	End        string        `xml:"timeInterval>end"`
	Resolution string        `xml:"resolution"`
	Points     []entsoePoint `xml:"Point"`
}

type entsoeTimeSeries struct {
	Currency  string         `xml:"currency_Unit.name"`
	PriceUnit string         `xml:"price_Measure_Unit.name"`
	CurveType string         `xml:"curveType"`
	Periods   []entsoePeriod `xml:"Period"`
}

type entsoeDocument struct {
	XMLName    xml.Name           `xml:"Publication_MarketDocument"`
	TimeSeries []entsoeTimeSeries `xml:"TimeSeries"`
}

type entsoeAcknowledgement struct {
	XMLName xml.Name `xml:"Acknowledgement_MarketDocument"`
	Reason  struct {
		Code string `xml:"code"`
		Text string `xml:"text"`
	} `xml:"Reason"`
}

// dayBounds returns the UTC start and end of the delivery day containing t.
func (e *Entsoe) dayBounds(t time.Time) (time.Time, time.Time) {
	loc := e.location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// FetchDayAhead returns the raw day-ahead feed for zone covering the delivery
// day that contains day.
func (e *Entsoe) FetchDayAhead(ctx context.Context, zone string, day time.Time) (RawFeed, error) {
	start, end := e.dayBounds(day)

	u, err := url.Parse(e.apiURL)
	if err != nil {
		return RawFeed{}, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("securityToken", e.apiKey)
	params.Set("documentType", documentTypePrices)
	params.Set("in_Domain", zone)
	params.Set("out_Domain", zone)
	params.Set("periodStart", start.Format("200601021504"))
	params.Set("periodEnd", end.Format("200601021504"))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return RawFeed{}, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetching day-ahead prices from entsoe",
		slog.String("zone", zone),
		slog.Time("start", start),
		slog.Time("end", end),
	)

	resp, err := e.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", slog.Any("error", err))
		return RawFeed{}, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ack entsoeAcknowledgement
		if err := xml.NewDecoder(resp.Body).Decode(&ack); err == nil && ack.Reason.Text != "" {
			log.Ctx(ctx).WarnContext(ctx, "entsoe rejected request", slog.String("code", ack.Reason.Code), slog.String("reason", ack.Reason.Text))
		}
		return RawFeed{}, fmt.Errorf("entsoe api returned status: %d", resp.StatusCode)
	}

	var doc entsoeDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode entsoe response", slog.Any("error", err))
		return RawFeed{}, fmt.Errorf("%w: failed to decode response: %v", ErrMalformedFeed, err)
	}

	feed, err := doc.rawFeed(zone)
	if err != nil {
		return RawFeed{}, err
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched day-ahead prices",
		slog.String("zone", zone),
		slog.Int("count", len(feed.Points)),
		slog.String("periodStart", feed.PeriodStart),
	)
	return feed, nil
}

// rawFeed picks the first period with points. Quarter-hour periods are
// averaged into hourly points.
func (d entsoeDocument) rawFeed(zone string) (RawFeed, error) {
	for _, ts := range d.TimeSeries {
		if unit := strings.ToUpper(ts.PriceUnit); unit != "" && unit != "MWH" {
			return RawFeed{}, fmt.Errorf("%w: unsupported price unit %s", ErrMalformedFeed, ts.PriceUnit)
		}
		for _, p := range ts.Periods {
			if len(p.Points) == 0 {
				continue
			}
			if ts.CurveType == curveTypeVariableBlocks {
				expanded, err := p.expandBlocks()
				if err != nil {
					return RawFeed{}, err
				}
				p.Points = expanded
			}
			points, err := hourlyPoints(p)
			if err != nil {
				return RawFeed{}, err
			}
			return RawFeed{
				Zone:        zone,
				Currency:    ts.Currency,
				PeriodStart: p.Start,
				Points:      points,
			}, nil
		}
	}
	return RawFeed{}, fmt.Errorf("%w: no TimeSeries with points", ErrMalformedFeed)
}

func resolutionStep(resolution string) (time.Duration, error) {
	switch resolution {
	case "", "PT60M":
		return time.Hour, nil
	case "PT15M":
		return 15 * time.Minute, nil
	default:
		return 0, fmt.Errorf("%w: unsupported resolution %s", ErrMalformedFeed, resolution)
	}
}

// expandBlocks fills the positions an A03 curve leaves out by carrying the
// previous price forward, up to the end of the period's time interval.
func (p entsoePeriod) expandBlocks() ([]entsoePoint, error) {
	step, err := resolutionStep(p.Resolution)
	if err != nil {
		return nil, err
	}
	start, err := parsePeriodStart(p.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid period start %q: %v", ErrMalformedFeed, p.Start, err)
	}
	end, err := parsePeriodStart(p.End)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid period end %q: %v", ErrMalformedFeed, p.End, err)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: period ends before it starts", ErrMalformedFeed)
	}
	n := int(end.Sub(start) / step)

	given := slices.Clone(p.Points)
	slices.SortFunc(given, func(a, b entsoePoint) int {
		return a.Position - b.Position
	})
	points := make([]entsoePoint, 0, n)
	next := 0
	for pos := 1; pos <= n; pos++ {
		if next < len(given) && given[next].Position == pos {
			points = append(points, given[next])
			next++
			continue
		}
		if len(points) == 0 {
			return nil, fmt.Errorf("%w: first position missing", ErrMalformedFeed)
		}
		points = append(points, entsoePoint{Position: pos, Price: points[len(points)-1].Price})
	}
	if next != len(given) {
		return nil, fmt.Errorf("%w: position %d outside the %d-point period", ErrMalformedFeed, given[next].Position, n)
	}
	return points, nil
}

func hourlyPoints(p entsoePeriod) ([]RawPoint, error) {
	step, err := resolutionStep(p.Resolution)
	if err != nil {
		return nil, err
	}
	if step == time.Hour {
		points := make([]RawPoint, len(p.Points))
		for i, pt := range p.Points {
			points[i] = RawPoint{Position: pt.Position, Price: pt.Price}
		}
		return points, nil
	}

	// every hour needs all four quarters
	sums := make(map[int]float64)
	counts := make(map[int]int)
	maxHour := 0
	for _, pt := range p.Points {
		if pt.Position < 1 {
			return nil, fmt.Errorf("%w: invalid position %d", ErrMalformedFeed, pt.Position)
		}
		h := (pt.Position-1)/4 + 1
		sums[h] += pt.Price
		counts[h]++
		if h > maxHour {
			maxHour = h
		}
	}
	points := make([]RawPoint, 0, maxHour)
	for h := 1; h <= maxHour; h++ {
		if counts[h] != 4 {
			return nil, fmt.Errorf("%w: hour %d has %d quarter-hour points", ErrMalformedFeed, h, counts[h])
		}
		points = append(points, RawPoint{Position: h, Price: sums[h] / 4})
	}
	return points, nil
}
