package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sprout/internal/auth"
	"sprout/internal/farm"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Session is used by authenticated calls. When an access token expires
	// it is refreshed once and OnRefresh is called with the new session.
	Session   *Session
	OnRefresh func(Session) error
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Ping(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/ping", "", nil, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, username, email, password string) (farm.AccountView, error) {
	var out farm.AccountView
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username": username,
		"email":    email,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, username, password string) (auth.Pair, error) {
	var out auth.Pair
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"username": username,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		Access string `json:"access"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/token/refresh", "", map[string]any{
		"refresh": refreshToken,
	}, &out)
	return out.Access, err
}

func (c *Client) Me(ctx context.Context) (farm.ProfileView, error) {
	var out farm.ProfileView
	err := c.authed(ctx, http.MethodGet, "/v1/me", nil, &out)
	return out, err
}

func (c *Client) Cells(ctx context.Context) ([]farm.CellView, error) {
	var out []farm.CellView
	err := c.authed(ctx, http.MethodGet, "/v1/field/cells", nil, &out)
	return out, err
}

func (c *Client) Plant(ctx context.Context, row, col int, plantID int64, autoBuy bool) (farm.CellActionResult, error) {
	var out farm.CellActionResult
	err := c.authed(ctx, http.MethodPost, "/v1/field/cells/action", map[string]any{
		"row":      row,
		"col":      col,
		"plant_id": plantID,
		"auto_buy": autoBuy,
	}, &out)
	return out, err
}

func (c *Client) Harvest(ctx context.Context, row, col int) (farm.CellActionResult, error) {
	var out farm.CellActionResult
	err := c.authed(ctx, http.MethodPost, "/v1/field/cells/action", map[string]any{
		"row": row,
		"col": col,
	}, &out)
	return out, err
}

func (c *Client) Plants(ctx context.Context) ([]farm.ShopItemView, error) {
	var out []farm.ShopItemView
	err := c.authed(ctx, http.MethodGet, "/v1/plants", nil, &out)
	return out, err
}

// Shop lists catalog items. section is "", "seeds", "harvest" or a category name.
func (c *Client) Shop(ctx context.Context, section string) ([]farm.ShopItemView, error) {
	path := "/v1/shop"
	if section = strings.TrimSpace(section); section != "" {
		path += "/" + url.PathEscape(section)
	}
	var out []farm.ShopItemView
	err := c.authed(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Categories(ctx context.Context) ([]farm.CategoryView, error) {
	var out []farm.CategoryView
	err := c.authed(ctx, http.MethodGet, "/v1/categories", nil, &out)
	return out, err
}

func (c *Client) Buy(ctx context.Context, itemID, quantity int64) (farm.BuyResult, error) {
	var out farm.BuyResult
	err := c.authed(ctx, http.MethodPost, "/v1/shop/buy", map[string]any{
		"item_id":  itemID,
		"quantity": quantity,
	}, &out)
	return out, err
}

func (c *Client) Inventory(ctx context.Context) ([]farm.InventoryView, error) {
	var out []farm.InventoryView
	err := c.authed(ctx, http.MethodGet, "/v1/inventory", nil, &out)
	return out, err
}

func (c *Client) Market(ctx context.Context) ([]farm.MarketItemView, error) {
	var out []farm.MarketItemView
	err := c.authed(ctx, http.MethodGet, "/v1/market/inventory", nil, &out)
	return out, err
}

func (c *Client) Sell(ctx context.Context, inventoryID, quantity int64) (farm.SellResult, error) {
	var out farm.SellResult
	err := c.authed(ctx, http.MethodPost, "/v1/market/sell", map[string]any{
		"item_id":  inventoryID,
		"quantity": quantity,
	}, &out)
	return out, err
}

func (c *Client) authed(ctx context.Context, method, path string, in, out any) error {
	if c.Session == nil || strings.TrimSpace(c.Session.AccessToken) == "" {
		return errors.New("not logged in")
	}
	err := c.jsonRequest(ctx, method, path, c.Session.AccessToken, in, out)
	if !IsUnauthorized(err) || c.Session.RefreshToken == "" {
		return err
	}
	access, rerr := c.Refresh(ctx, c.Session.RefreshToken)
	if rerr != nil {
		return fmt.Errorf("session expired, log in again: %w", rerr)
	}
	c.Session.AccessToken = access
	if c.OnRefresh != nil {
		if err := c.OnRefresh(*c.Session); err != nil {
			return err
		}
	}
	return c.jsonRequest(ctx, method, path, access, in, out)
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
