// Package httpapi talks to SMS-activation providers that expose the
// handler_api plain-text protocol.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/izavyalov-dev/signup-broker/provider"
)

const cancelStatus = "8"

type Options struct {
	BaseURL  string
	APIKey   string
	Service  string
	Country  string
	Operator string
	// StripPrefix is removed from the front of returned phone numbers.
	StripPrefix string
	Timeout     time.Duration
}

type Client struct {
	opts   Options
	client *http.Client
	now    func() time.Time
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AcquireNumber rents a number for the configured service.
func (c *Client) AcquireNumber(ctx context.Context) (provider.Number, error) {
	params := url.Values{}
	params.Set("action", "getNumber")
	params.Set("service", c.opts.Service)
	params.Set("country", c.opts.Country)
	if c.opts.Operator != "" {
		params.Set("operator", c.opts.Operator)
	}
	text, err := c.get(ctx, params)
	if err != nil {
		return provider.Number{}, err
	}
	return c.parseNumber(text)
}

func (c *Client) parseNumber(text string) (provider.Number, error) {
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "NO_NUMBERS") || strings.Contains(upper, "NO NUMBERS") {
		return provider.Number{}, provider.ErrNoNumbers
	}
	rest, ok := strings.CutPrefix(text, "ACCESS_NUMBER:")
	if !ok {
		return provider.Number{}, fmt.Errorf("%w: %s", provider.ErrRejected, text)
	}
	id, phone, ok := strings.Cut(rest, ":")
	if !ok || id == "" || phone == "" {
		return provider.Number{}, fmt.Errorf("malformed getNumber response %q", text)
	}
	if p := c.opts.StripPrefix; p != "" && len(phone) > len(p) {
		phone = strings.TrimPrefix(phone, p)
	}
	return provider.Number{LeaseID: id, Phone: phone, AcquiredAt: c.now()}, nil
}

// ReleaseNumber cancels the activation. A number that is already cancelled
// counts as released.
func (c *Client) ReleaseNumber(ctx context.Context, leaseID string) error {
	params := url.Values{}
	params.Set("action", "setStatus")
	params.Set("status", cancelStatus)
	params.Set("id", leaseID)
	text, err := c.get(ctx, params)
	if err != nil {
		return err
	}
	if strings.HasPrefix(text, "ACCESS_CANCEL") {
		return nil
	}
	return fmt.Errorf("cancel %s: unexpected response %q", leaseID, text)
}

func (c *Client) get(ctx context.Context, params url.Values) (string, error) {
	params.Set("api_key", c.opts.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: unexpected status %s", params.Get("action"), resp.Status)
	}
	text := strings.TrimSpace(string(body))
	if text == "BAD_KEY" || text == "BAD_SERVICE" || text == "NO_BALANCE" {
		return "", fmt.Errorf("%w: %s", provider.ErrRejected, text)
	}
	return text, nil
}
