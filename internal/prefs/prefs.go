package prefs

import (
	"context"
	"strings"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

const (
	KeyServiceURLs   = "service_urls"
	KeyLastParams    = "last_params"
	KeyRenameOutcome = "rename_outcome"

	MaxServiceURLs = 10
)

// Store is a small JSON key/value store for user preferences.
// Load reports false when the key has never been saved.
type Store interface {
	Load(ctx context.Context, key string, dst any) (bool, error)
	Save(ctx context.Context, key string, v any) error
}

// RememberServiceURL moves url to the front of the history, deduplicated and
// capped at MaxServiceURLs.
func RememberServiceURL(ctx context.Context, s Store, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	prev, err := ServiceURLs(ctx, s)
	if err != nil {
		return err
	}
	next := make([]string, 0, MaxServiceURLs)
	next = append(next, url)
	for _, u := range prev {
		if len(next) == MaxServiceURLs {
			break
		}
		if u != url {
			next = append(next, u)
		}
	}
	return s.Save(ctx, KeyServiceURLs, next)
}

func ServiceURLs(ctx context.Context, s Store) ([]string, error) {
	var urls []string
	if _, err := s.Load(ctx, KeyServiceURLs, &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

func RememberParams(ctx context.Context, s Store, p jobs.Params) error {
	return s.Save(ctx, KeyLastParams, p)
}

// LastParams returns the last submitted params, or the defaults.
func LastParams(ctx context.Context, s Store) (jobs.Params, error) {
	p := jobs.DefaultParams()
	if _, err := s.Load(ctx, KeyLastParams, &p); err != nil {
		return jobs.DefaultParams(), err
	}
	return p, nil
}
