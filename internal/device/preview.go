package device

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const previewPath = "/cgi-bin/get_jpg.cgi"

// FetchPreview issues a single JPEG snapshot request against the
// camera's preview endpoint, grounded on original_source
// devicepreview.JpegSource.get_single_image's image_uri, simplified from
// its session-ID query parameter to the same HTTP Basic auth used
// throughout this client.
func (c *Client) FetchPreview(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+previewPath, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.authUser, c.authPass)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrAuthFailed
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("device: preview fetch status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// PreviewFetcher throttles a device's preview image fetches to a minimum
// inter-fetch spacing and coalesces concurrent callers onto one in-flight
// request, per the preview primitive's throttle-and-coalesce requirement.
// The coalescing is delegated to golang.org/x/sync/singleflight rather
// than hand-rolled, since the module already depends on x/sync for the
// engine's errgroup.
type PreviewFetcher struct {
	client *Client
	minGap time.Duration
	group  singleflight.Group

	mu          sync.Mutex
	lastFetchAt time.Time
}

// NewPreviewFetcher builds a fetcher bound to client, spacing fetches by
// at least minGap.
func NewPreviewFetcher(client *Client, minGap time.Duration) *PreviewFetcher {
	return &PreviewFetcher{client: client, minGap: minGap}
}

// Fetch returns the most recent JPEG frame, waiting out any remaining
// throttle window first. Concurrent callers share one underlying request.
func (f *PreviewFetcher) Fetch(ctx context.Context) ([]byte, error) {
	v, err, _ := f.group.Do("preview", func() (any, error) {
		f.mu.Lock()
		wait := f.minGap - time.Since(f.lastFetchAt)
		f.mu.Unlock()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, err := f.client.FetchPreview(ctx)
		f.mu.Lock()
		f.lastFetchAt = time.Now()
		f.mu.Unlock()
		return data, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
