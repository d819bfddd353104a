package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"authcoord/pkg/logging"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL is the default TTL for cached OAuth metadata.
	DefaultMetadataCacheTTL = 30 * time.Minute
)

// metadataCacheEntry holds cached OAuth metadata with its timestamp.
type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Discoverer fetches and caches authorization server metadata.
type Discoverer struct {
	httpClient *http.Client

	metadataMu    sync.RWMutex
	metadataCache map[string]*metadataCacheEntry
	metadataTTL   time.Duration

	// deduplicates concurrent fetches for the same issuer
	metadataGroup singleflight.Group
}

// DiscovererOption configures the Discoverer.
type DiscovererOption func(*Discoverer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) DiscovererOption {
	return func(d *Discoverer) {
		d.httpClient = httpClient
	}
}

// WithMetadataCacheTTL sets the metadata cache TTL.
func WithMetadataCacheTTL(ttl time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		d.metadataTTL = ttl
	}
}

// NewDiscoverer creates a new metadata discoverer.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		metadataCache: make(map[string]*metadataCacheEntry),
		metadataTTL:   DefaultMetadataCacheTTL,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// DiscoverMetadata fetches OAuth metadata from the issuer's well-known endpoint.
// It tries RFC 8414 (/.well-known/oauth-authorization-server) first,
// then falls back to OpenID Connect (/.well-known/openid-configuration).
//
// Results are cached with a TTL to reduce network requests.
func (d *Discoverer) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	if m := d.cached(issuer); m != nil {
		return m, nil
	}

	result, err, _ := d.metadataGroup.Do(issuer, func() (interface{}, error) {
		// Double-check cache after acquiring singleflight lock
		if m := d.cached(issuer); m != nil {
			return m, nil
		}
		return d.doDiscoverMetadata(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

func (d *Discoverer) cached(issuer string) *Metadata {
	d.metadataMu.RLock()
	defer d.metadataMu.RUnlock()
	if entry, ok := d.metadataCache[issuer]; ok && time.Since(entry.fetchedAt) < d.metadataTTL {
		return entry.metadata
	}
	return nil
}

func (d *Discoverer) doDiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	metadata, err := d.fetchMetadata(ctx, issuer+"/.well-known/oauth-authorization-server")
	if err == nil {
		d.cacheMetadata(issuer, metadata)
		return metadata, nil
	}

	logging.Debug("OAuth", "RFC 8414 metadata fetch failed for %s, trying OIDC: %v", issuer, err)

	metadata, err = d.fetchMetadata(ctx, issuer+"/.well-known/openid-configuration")
	if err == nil {
		d.cacheMetadata(issuer, metadata)
		return metadata, nil
	}

	return nil, fmt.Errorf("failed to discover OAuth metadata for %s: %w", issuer, err)
}

func (d *Discoverer) fetchMetadata(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata at %s has no token_endpoint", metadataURL)
	}

	return &metadata, nil
}

func (d *Discoverer) cacheMetadata(issuer string, metadata *Metadata) {
	d.metadataMu.Lock()
	d.metadataCache[issuer] = &metadataCacheEntry{
		metadata:  metadata,
		fetchedAt: time.Now(),
	}
	d.metadataMu.Unlock()

	logging.Debug("OAuth", "Cached metadata for %s (token endpoint %s)", issuer, metadata.TokenEndpoint)
}

// ClearMetadataCache clears the metadata cache.
func (d *Discoverer) ClearMetadataCache() {
	d.metadataMu.Lock()
	d.metadataCache = make(map[string]*metadataCacheEntry)
	d.metadataMu.Unlock()
}
