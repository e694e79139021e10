package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/ratelimit"
)

const defaultIPAPIBase = "http://ip-api.com"

// ipAPIResponse is the subset of the ip-api.com JSON response we request.
type ipAPIResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	Query       string `json:"query"`
}

// IPAPI 通过 ip-api.com 查询国家代码。免费接口限制 45 次/分钟，用令牌桶排队。
type IPAPI struct {
	baseURL string
	client  *http.Client
	bucket  *ratelimit.Bucket
}

// NewIPAPI returns a client. baseURL may be empty; ratePerMinute <= 0 disables limiting.
func NewIPAPI(baseURL string, timeout time.Duration, ratePerMinute int) *IPAPI {
	if baseURL == "" {
		baseURL = defaultIPAPIBase
	}
	c := &IPAPI{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
	if ratePerMinute > 0 {
		c.bucket = ratelimit.NewBucketWithQuantum(time.Minute, int64(ratePerMinute), int64(ratePerMinute))
	}
	return c
}

// CountryCode resolves host (IP or domain, ip-api accepts both).
func (c *IPAPI) CountryCode(ctx context.Context, host string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	apiURL := fmt.Sprintf("%s/json/%s?fields=status,message,countryCode,query", c.baseURL, url.PathEscape(host))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo api returned status %d", resp.StatusCode)
	}
	var apiResp ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to decode geo api response: %w", err)
	}
	if apiResp.Status != "success" {
		return "", fmt.Errorf("geo api returned %q: %s", apiResp.Status, apiResp.Message)
	}
	return apiResp.CountryCode, nil
}

// ErrRateLimited is returned when no token frees up before the caller's deadline.
var ErrRateLimited = errors.New("geo api rate limit reached")

// wait 等待令牌。ctx 有截止时间时只在截止前可用的令牌才会被占用，
// 超时的查询不会挤占后续查询的配额。
func (c *IPAPI) wait(ctx context.Context) error {
	if c.bucket == nil {
		return nil
	}
	var d time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		var taken bool
		d, taken = c.bucket.TakeMaxDuration(1, time.Until(deadline))
		if !taken {
			return ErrRateLimited
		}
	} else {
		d = c.bucket.Take(1)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
