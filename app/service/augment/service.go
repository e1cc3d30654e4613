package augment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"referralchat/app/client/places"
	"referralchat/app/client/websearch"
	"referralchat/app/config"
	"referralchat/app/model"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
	"golang.org/x/time/rate"
)

const maxQueryLength = 200

// Lookup is one external search provider.
type Lookup interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]model.LookupResult, error)
}

type Service struct {
	web     Lookup
	place   Lookup
	limiter *rate.Limiter

	timeout    time.Duration
	maxResults int
}

func New(di *do.Injector) (*Service, error) {
	ctx := do.MustInvoke[context.Context](di)
	cfg := do.MustInvoke[*config.Config](di)

	var web, place Lookup

	if cfg.Lookup.Google.APIKey != "" {
		client, err := websearch.NewClient(ctx, cfg.Lookup.Google)
		if err != nil {
			return nil, err
		}
		web = client
	}

	if cfg.Lookup.Places.APIKey != "" {
		client, err := places.NewClient(ctx, cfg.Lookup.Places)
		if err != nil {
			return nil, err
		}
		place = client
	}

	if web == nil && place == nil {
		slog.Info("No lookup providers configured, augmentation disabled")
	}

	return NewService(web, place, cfg.Lookup), nil
}

func NewService(web, place Lookup, cfg config.Lookup) *Service {
	s := &Service{
		web:        web,
		place:      place,
		timeout:    cfg.Timeout,
		maxResults: cfg.MaxResults,
	}

	if cfg.RatePerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}

	return s
}

// MaybeAugment runs at most one lookup for text and renders the results.
// Every failure is absorbed and reported as no augmentation.
func (s *Service) MaybeAugment(ctx context.Context, text string) (string, bool) {
	lookup := s.pick(classify(text))
	if lookup == nil {
		return "", false
	}

	if s.limiter != nil && !s.limiter.Allow() {
		slog.Warn("Lookup skipped, rate limit reached", "provider", lookup.Name())
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := lookup.Search(ctx, buildQuery(text), s.maxResults)
	if err != nil {
		slog.Warn("Lookup failed", "provider", lookup.Name(), "error", err)
		return "", false
	}

	results = pie.Filter(results, func(r model.LookupResult) bool {
		return strings.TrimSpace(r.Title) != ""
	})
	if len(results) == 0 {
		return "", false
	}
	if len(results) > s.maxResults {
		results = results[:s.maxResults]
	}

	return Render(results), true
}

func (s *Service) pick(in intent) Lookup {
	switch in {
	case intentPlace:
		if s.place != nil {
			return s.place
		}
		return s.web
	case intentWeb:
		if s.web != nil {
			return s.web
		}
		return s.place
	default:
		return nil
	}
}

func buildQuery(text string) string {
	query := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(query) <= maxQueryLength {
		return query
	}

	return string([]rune(query)[:maxQueryLength])
}

// Render formats results as a numbered block appended to the user turn.
func Render(results []model.LookupResult) string {
	var builder strings.Builder

	builder.WriteString("Live lookup results (may be incomplete, verify before recommending):\n")

	for i, r := range results {
		line := fmt.Sprintf("%d. %s", i+1, r.Title)
		if r.Snippet != "" {
			line += " - " + r.Snippet
		}
		builder.WriteString(line + "\n")

		if r.Link != "" {
			builder.WriteString("   " + r.Link + "\n")
		}
	}

	return strings.TrimRight(builder.String(), "\n")
}
