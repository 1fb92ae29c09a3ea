package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

// AdminClient talks to the admin api of a running connector.
type AdminClient struct {
	Url    string
	Client *http.Client
}

func NewAdminClient(baseUrl string) *AdminClient {
	return &AdminClient{
		Url:    strings.TrimRight(baseUrl, "/"),
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *AdminClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Url+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAdminBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *AdminClient) Routes(ctx context.Context) ([]RouteView, error) {
	body, err := c.get(ctx, "/routes")
	if err != nil {
		return nil, err
	}
	var routes []RouteView
	if err := json.Unmarshal(body, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

func (c *AdminClient) Accounts(ctx context.Context) ([]state.AccountSettings, error) {
	body, err := c.get(ctx, "/accounts")
	if err != nil {
		return nil, err
	}
	var accounts []state.AccountSettings
	if err := yaml.Unmarshal(body, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *AdminClient) Balance(ctx context.Context, id state.AccountId) (state.AccountBalance, error) {
	body, err := c.get(ctx, "/accounts/"+url.PathEscape(string(id))+"/balance")
	if err != nil {
		return state.AccountBalance{}, err
	}
	var bal state.AccountBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return state.AccountBalance{}, err
	}
	return bal, nil
}
