// Package ipinfo annotates measurement endpoints with network ownership and
// location from ipinfo.io.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const DefaultBaseURL = "https://ipinfo.io"

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Anycast  bool   `json:"anycast"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
	Bogon    bool   `json:"bogon"`
}

// ASN splits the "org" field ("AS15169 Google LLC") into the AS number and
// the organisation name. If the field cannot be split the whole string is
// returned as the organisation.
func (r IPInfoResponse) ASN() (number, org string) {
	parts := strings.SplitN(r.Org, " ", 2)
	if len(parts) == 2 && strings.HasPrefix(parts[0], "AS") {
		return strings.TrimPrefix(parts[0], "AS"), parts[1]
	}
	return "", r.Org
}

// Fields returns the annotation merged into artifact metadata. Empty values
// are left out.
func (r IPInfoResponse) Fields() map[string]interface{} {
	asn, org := r.ASN()
	out := make(map[string]interface{})
	for k, v := range map[string]string{
		"server_asn":     asn,
		"server_as_org":  org,
		"server_city":    r.City,
		"server_region":  r.Region,
		"server_country": r.Country,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Client looks addresses up and caches the answers.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   *ttlcache.Cache[string, IPInfoResponse]
}

// NewClient returns a client querying baseURL. An empty baseURL selects
// ipinfo.io.
func NewClient(baseURL, token string, cacheTTL time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, IPInfoResponse](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, IPInfoResponse](),
	)
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
	}
}

// GetIPInfo returns the annotation of ip. Private, loopback and link-local
// addresses are answered locally as bogons.
func (c *Client) GetIPInfo(ctx context.Context, ip string) (IPInfoResponse, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return IPInfoResponse{}, fmt.Errorf("invalid address %q: %w", ip, err)
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return IPInfoResponse{IP: ip, Bogon: true}, nil
	}
	if item := c.cache.Get(ip); item != nil {
		return item.Value(), nil
	}

	u := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(ip))
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return IPInfoResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return IPInfoResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return IPInfoResponse{}, fmt.Errorf("ipinfo lookup of %s: unexpected status %s", ip, resp.Status)
	}

	var info IPInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return IPInfoResponse{}, fmt.Errorf("ipinfo lookup of %s: %w", ip, err)
	}
	c.cache.Set(ip, info, ttlcache.DefaultTTL)
	return info, nil
}
