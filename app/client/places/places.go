package places

import (
	"context"
	"fmt"
	"strings"

	"referralchat/app/config"
	"referralchat/app/model"

	"github.com/samber/oops"
	"google.golang.org/api/option"
	placesapi "google.golang.org/api/places/v1"
)

var fieldMask = []string{
	"places.displayName",
	"places.formattedAddress",
	"places.googleMapsUri",
	"places.websiteUri",
}

// Client runs Places API text searches with an optional circular location bias.
type Client struct {
	svc *placesapi.Service
	cfg config.Places
}

func NewClient(ctx context.Context, cfg config.Places) (*Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := placesapi.NewService(ctx, opts...)
	if err != nil {
		return nil, oops.In("places").Wrapf(err, "create places service")
	}

	return &Client{
		svc: svc,
		cfg: cfg,
	}, nil
}

func (c *Client) Name() string {
	return "places"
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]model.LookupResult, error) {
	req := &placesapi.GoogleMapsPlacesV1SearchTextRequest{
		TextQuery:      query,
		MaxResultCount: int64(limit),
	}

	if c.cfg.RadiusM > 0 {
		req.LocationBias = &placesapi.GoogleMapsPlacesV1SearchTextRequestLocationBias{
			Circle: &placesapi.GoogleMapsPlacesV1Circle{
				Center: &placesapi.GoogleTypeLatLng{
					Latitude:  c.cfg.Lat,
					Longitude: c.cfg.Lng,
				},
				Radius: c.cfg.RadiusM,
			},
		}
	}

	call := c.svc.Places.SearchText(req).Context(ctx)
	call.Header().Set("X-Goog-FieldMask", strings.Join(fieldMask, ","))

	resp, err := call.Do()
	if err != nil {
		return nil, oops.In("places").With("query", query).Wrapf(fmt.Errorf("%w: %w", model.ErrUpstream, err), "text search")
	}

	results := make([]model.LookupResult, 0, len(resp.Places))
	for _, place := range resp.Places {
		if place == nil || place.DisplayName == nil || strings.TrimSpace(place.DisplayName.Text) == "" {
			continue
		}

		link := place.WebsiteUri
		if link == "" {
			link = place.GoogleMapsUri
		}

		results = append(results, model.LookupResult{
			Title:   strings.TrimSpace(place.DisplayName.Text),
			Link:    link,
			Snippet: place.FormattedAddress,
		})
		if len(results) == limit {
			break
		}
	}

	return results, nil
}
