package websearch

import (
	"context"
	"fmt"
	"strings"

	"referralchat/app/config"
	"referralchat/app/model"

	"github.com/samber/oops"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

// Client queries the Google Custom Search JSON API.
type Client struct {
	svc *customsearch.Service
	cx  string
}

func NewClient(ctx context.Context, cfg config.GoogleSearch) (*Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, oops.In("websearch").Wrapf(err, "create custom search service")
	}

	return &Client{
		svc: svc,
		cx:  cfg.CX,
	}, nil
}

func (c *Client) Name() string {
	return "web"
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]model.LookupResult, error) {
	resp, err := c.svc.Cse.List().
		Cx(c.cx).
		Q(query).
		Num(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, oops.In("websearch").With("query", query).Wrapf(fmt.Errorf("%w: %w", model.ErrUpstream, err), "custom search")
	}

	results := make([]model.LookupResult, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || strings.TrimSpace(item.Title) == "" {
			continue
		}

		results = append(results, model.LookupResult{
			Title:   strings.TrimSpace(item.Title),
			Link:    item.Link,
			Snippet: strings.Join(strings.Fields(item.Snippet), " "),
		})
		if len(results) == limit {
			break
		}
	}

	return results, nil
}
