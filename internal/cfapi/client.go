// Package cfapi is a typed client for the Cloudflare Email Routing API.
//
// Every call is scoped to a single zone and authenticated with that zone's
// own bearer token. Rule listings are paginated and concatenated in server
// order, which is the canonical ordering callers use for sort indices.
package cfapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/routedeck/routedeck/internal/types"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Client talks to the Cloudflare v4 API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewClient returns a Client. baseURL and httpClient may be empty/nil for
// production defaults.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		pageSize:   100,
		maxRetries: 3,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// --- wire types ---

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Errors     []apiMessage    `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo *struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		Count      int `json:"count"`
		TotalCount int `json:"total_count"`
	} `json:"result_info"`
}

type matcherJSON struct {
	Type  string `json:"type"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

type actionJSON struct {
	Type  string   `json:"type"`
	Value []string `json:"value,omitempty"`
}

type ruleJSON struct {
	ID       string        `json:"id"`
	Tag      string        `json:"tag,omitempty"`
	Name     string        `json:"name,omitempty"`
	Enabled  bool          `json:"enabled"`
	Matchers []matcherJSON `json:"matchers"`
	Actions  []actionJSON  `json:"actions"`
}

func (r *ruleJSON) tag() string {
	if r.Tag != "" {
		return r.Tag
	}
	return r.ID
}

func (r *ruleJSON) toRule(zoneID string) types.EmailRule {
	rule := types.EmailRule{
		Tag:        r.tag(),
		IsEnabled:  r.Enabled,
		ZoneID:     zoneID,
		ActionType: types.ActionForward,
	}
	for _, m := range r.Matchers {
		if m.Field == "to" && m.Value != "" {
			rule.EmailAddress = types.NormalizeAddress(m.Value)
			break
		}
	}
	for _, a := range r.Actions {
		rule.ActionType = a.Type
		if len(a.Value) > 0 {
			rule.ForwardTo = a.Value[0]
		}
		break
	}
	return rule
}

func rulePayload(emailAddress, forwardTo, actionType string, enabled bool) map[string]any {
	action := map[string]any{"type": actionType}
	if actionType == types.ActionForward {
		action["value"] = []string{forwardTo}
	}
	return map[string]any{
		"enabled": enabled,
		"name":    "routedeck: " + emailAddress,
		"matchers": []any{
			map[string]string{"type": "literal", "field": "to", "value": emailAddress},
		},
		"actions": []any{action},
	}
}

// --- rule operations ---

// ListRules returns all routing rules for the zone in server order,
// paginating until a short page is observed.
func (c *Client) ListRules(ctx context.Context, zone *types.Zone) ([]types.EmailRule, error) {
	var rules []types.EmailRule
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(c.pageSize))
		var raw []ruleJSON
		env, err := c.doJSON(ctx, zone.APIToken, http.MethodGet,
			fmt.Sprintf("/zones/%s/email/routing/rules?%s", url.PathEscape(zone.ZoneID), q.Encode()), nil, &raw)
		if err != nil {
			return nil, err
		}
		for i := range raw {
			rules = append(rules, raw[i].toRule(zone.ZoneID))
		}
		if len(raw) < c.pageSize {
			break
		}
		if env.ResultInfo != nil && env.ResultInfo.TotalCount > 0 && len(rules) >= env.ResultInfo.TotalCount {
			break
		}
	}
	return rules, nil
}

// CreateRule creates a routing rule. The provider does not guarantee
// idempotency; callers must check existing rules first.
func (c *Client) CreateRule(ctx context.Context, zone *types.Zone, emailAddress, forwardTo, actionType string) (types.EmailRule, error) {
	var raw ruleJSON
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodPost,
		fmt.Sprintf("/zones/%s/email/routing/rules", url.PathEscape(zone.ZoneID)),
		rulePayload(emailAddress, forwardTo, actionType, true), &raw)
	if err != nil {
		return types.EmailRule{}, err
	}
	return raw.toRule(zone.ZoneID), nil
}

// UpdateRule resends the full rule; the API has no partial-patch semantics.
func (c *Client) UpdateRule(ctx context.Context, zone *types.Zone, tag, emailAddress string, isEnabled bool, forwardTo, actionType string) error {
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodPut,
		fmt.Sprintf("/zones/%s/email/routing/rules/%s", url.PathEscape(zone.ZoneID), url.PathEscape(tag)),
		rulePayload(emailAddress, forwardTo, actionType, isEnabled), nil)
	return err
}

// DeleteRule deletes a rule by tag. A rule that is already gone is success.
func (c *Client) DeleteRule(ctx context.Context, zone *types.Zone, tag string) error {
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodDelete,
		fmt.Sprintf("/zones/%s/email/routing/rules/%s", url.PathEscape(zone.ZoneID), url.PathEscape(tag)), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// --- destination addresses ---

type addressJSON struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Verified string `json:"verified,omitempty"`
}

// ListForwardingAddresses returns the zone account's verified destination
// addresses, normalized.
func (c *Client) ListForwardingAddresses(ctx context.Context, zone *types.Zone) (map[string]bool, error) {
	verified := map[string]bool{}
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(c.pageSize))
		var raw []addressJSON
		_, err := c.doJSON(ctx, zone.APIToken, http.MethodGet,
			fmt.Sprintf("/accounts/%s/email/routing/addresses?%s", url.PathEscape(zone.AccountID), q.Encode()), nil, &raw)
		if err != nil {
			return nil, err
		}
		for _, a := range raw {
			if a.Verified != "" {
				verified[types.NormalizeAddress(a.Email)] = true
			}
		}
		if len(raw) < c.pageSize {
			break
		}
	}
	return verified, nil
}

// --- catch-all ---

// FetchCatchAll returns the zone's catch-all rule state.
func (c *Client) FetchCatchAll(ctx context.Context, zone *types.Zone) (types.CatchAll, error) {
	var raw ruleJSON
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodGet,
		fmt.Sprintf("/zones/%s/email/routing/rules/catch_all", url.PathEscape(zone.ZoneID)), nil, &raw)
	if err != nil {
		return types.CatchAll{}, err
	}
	ca := types.CatchAll{Enabled: raw.Enabled}
	for _, a := range raw.Actions {
		ca.Action = a.Type
		ca.ForwardTo = a.Value
		break
	}
	return ca, nil
}

// UpdateCatchAll replaces the zone's catch-all rule.
func (c *Client) UpdateCatchAll(ctx context.Context, zone *types.Zone, enabled bool, action string, forwardTo []string) error {
	act := map[string]any{"type": action}
	if action == types.ActionForward {
		act["value"] = forwardTo
	}
	payload := map[string]any{
		"enabled":  enabled,
		"name":     "catch-all",
		"matchers": []any{map[string]string{"type": "all"}},
		"actions":  []any{act},
	}
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodPut,
		fmt.Sprintf("/zones/%s/email/routing/rules/catch_all", url.PathEscape(zone.ZoneID)), payload, nil)
	return err
}

// --- subdomains ---

type subdomainJSON struct {
	Name string `json:"name"`
}

// ListSubdomains returns subdomains enabled for routing on this zone.
func (c *Client) ListSubdomains(ctx context.Context, zone *types.Zone) ([]string, error) {
	var raw []subdomainJSON
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodGet,
		fmt.Sprintf("/zones/%s/email/routing/subdomains", url.PathEscape(zone.ZoneID)), nil, &raw)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for _, s := range raw {
		names = append(names, s.Name)
	}
	return names, nil
}

// ToggleSubdomains enables or disables subdomain routing for the zone.
func (c *Client) ToggleSubdomains(ctx context.Context, zone *types.Zone, enabled bool) error {
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodPut,
		fmt.Sprintf("/zones/%s/email/routing/subdomains", url.PathEscape(zone.ZoneID)),
		map[string]any{"enabled": enabled}, nil)
	return err
}

// --- zone info / token ---

type zoneInfoJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Account struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"account"`
}

// ZoneInfo fetches the zone's name and owning account.
func (c *Client) ZoneInfo(ctx context.Context, zoneID, token string) (*types.Zone, error) {
	var raw zoneInfoJSON
	_, err := c.doJSON(ctx, token, http.MethodGet,
		fmt.Sprintf("/zones/%s", url.PathEscape(zoneID)), nil, &raw)
	if err != nil {
		return nil, err
	}
	return &types.Zone{
		AccountID:   raw.Account.ID,
		ZoneID:      raw.ID,
		APIToken:    token,
		AccountName: raw.Account.Name,
		DomainName:  raw.Name,
	}, nil
}

// VerifyToken reports whether the zone's token is active.
func (c *Client) VerifyToken(ctx context.Context, zone *types.Zone) (bool, error) {
	var raw struct {
		Status string `json:"status"`
	}
	_, err := c.doJSON(ctx, zone.APIToken, http.MethodGet, "/user/tokens/verify", nil, &raw)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return false, nil
		}
		return false, err
	}
	return raw.Status == "active", nil
}

// --- statistics ---

const statsQuery = `query ($zone: String!, $since: Time!) {
  viewer {
    zones(filter: {zoneTag: $zone}) {
      emailRoutingAdaptive(limit: 1000, filter: {datetime_gt: $since}, orderBy: [datetime_DESC]) {
        datetime
        from
        to
        status
      }
    }
  }
}`

// FetchStatistics aggregates the zone's per-message routing log over the
// given window into per-address statistics, most active address first.
// Tokens without the analytics permission yield an empty result, not an
// error.
func (c *Client) FetchStatistics(ctx context.Context, zone *types.Zone, since time.Duration) ([]types.EmailStatistic, error) {
	payload := map[string]any{
		"query": statsQuery,
		"variables": map[string]any{
			"zone":  zone.ZoneID,
			"since": time.Now().UTC().Add(-since).Format(time.RFC3339),
		},
	}
	var raw struct {
		Data struct {
			Viewer struct {
				Zones []struct {
					Records []struct {
						Datetime string `json:"datetime"`
						From     string `json:"from"`
						To       string `json:"to"`
						Status   string `json:"status"`
					} `json:"emailRoutingAdaptive"`
				} `json:"zones"`
			} `json:"viewer"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.doGraphQL(ctx, zone.APIToken, payload, &raw); err != nil {
		if errors.Is(err, ErrAuth) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw.Errors) > 0 {
		// Analytics permission missing is non-fatal.
		return nil, nil
	}

	byAddress := map[string]*types.EmailStatistic{}
	var order []string
	for _, z := range raw.Data.Viewer.Zones {
		for _, rec := range z.Records {
			addr := types.BaseAddress(rec.To)
			if addr == "" {
				continue
			}
			stat, ok := byAddress[addr]
			if !ok {
				stat = &types.EmailStatistic{EmailAddress: addr}
				byAddress[addr] = stat
				order = append(order, addr)
			}
			stat.Count++
			stat.ReceivedDates = append(stat.ReceivedDates, rec.Datetime)
			stat.EmailDetails = append(stat.EmailDetails, types.EmailDetail{
				From:   rec.From,
				Date:   rec.Datetime,
				Action: rec.Status,
			})
		}
	}

	stats := make([]types.EmailStatistic, 0, len(order))
	for _, addr := range order {
		stats = append(stats, *byAddress[addr])
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Count > stats[j].Count })
	return stats, nil
}

func (c *Client) doGraphQL(ctx context.Context, token string, payload, out any) error {
	_, err := c.do(ctx, token, http.MethodPost, "/graphql", payload, out, true)
	return err
}

// doJSON issues a request and decodes the Cloudflare envelope result.
func (c *Client) doJSON(ctx context.Context, token, method, path string, body, out any) (*envelope, error) {
	return c.do(ctx, token, method, path, body, out, false)
}

func (c *Client) do(ctx context.Context, token, method, path string, body, out any, rawBody bool) (*envelope, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &NetworkError{Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &NetworkError{Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if rawBody {
				if out == nil || len(payloadBytes) == 0 {
					return nil, nil
				}
				return nil, json.Unmarshal(payloadBytes, out)
			}
			var env envelope
			if err := json.Unmarshal(payloadBytes, &env); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			if !env.Success {
				return nil, apiErrorFrom(resp.StatusCode, env.Errors)
			}
			if out != nil && len(env.Result) > 0 {
				if err := json.Unmarshal(env.Result, out); err != nil {
					return nil, fmt.Errorf("decode result: %w", err)
				}
			}
			return &env, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var env envelope
		_ = json.Unmarshal(payloadBytes, &env)
		return nil, apiErrorFrom(resp.StatusCode, env.Errors)
	}
}

func apiErrorFrom(statusCode int, msgs []apiMessage) *APIError {
	apiErr := &APIError{StatusCode: statusCode, Message: http.StatusText(statusCode)}
	if len(msgs) > 0 {
		apiErr.Code = msgs[0].Code
		apiErr.Message = msgs[0].Message
	}
	return apiErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
