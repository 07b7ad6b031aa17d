// Package fetcher downloads tiles from an XYZ tile server.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
)

// MaxTileBytes caps a single response body.
const MaxTileBytes = 4 << 20

var ErrUpstream = errors.New("tile server error")

type HTTP struct {
	client    *http.Client
	template  string
	userAgent string
}

var _ cache.Fetcher = (*HTTP)(nil)

// New builds a fetcher for a URL template with {z}, {x}, {y} and an
// optional {style} placeholder.
func New(client *http.Client, template, userAgent string) (*HTTP, error) {
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, p) {
			return nil, fmt.Errorf("tile url template %q is missing %s", template, p)
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = "tilecached/1"
	}
	return &HTTP{client: client, template: template, userAgent: userAgent}, nil
}

func (f *HTTP) URL(c model.TileCoordinate, style string) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(c.Z),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
		"{style}", style,
	)
	return r.Replace(f.template)
}

func (f *HTTP) Fetch(ctx context.Context, c model.TileCoordinate, style string) (body []byte, err error) {
	start := time.Now()
	defer func() { observability.ObserveFetch(err, time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(c, style), nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request %s: %w", c, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tile %s: %w", c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: tile %s status %d", ErrUpstream, c, resp.StatusCode)
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, MaxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", c, err)
	}
	if len(body) > MaxTileBytes {
		return nil, fmt.Errorf("%w: tile %s exceeds %d bytes", ErrUpstream, c, MaxTileBytes)
	}
	return body, nil
}
