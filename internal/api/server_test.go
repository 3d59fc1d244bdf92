package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sprout/internal/auth"
	"sprout/internal/config"
	"sprout/internal/farm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	ts    *httptest.Server
	clock *testClock
}

func newTestEnv(t *testing.T, mutate func(*config.APIConfig)) *testEnv {
	t.Helper()
	cfg := config.APIConfig{
		JWTSecret:      "test-secret-0123456789",
		AccessTTL:      5 * time.Minute,
		RefreshTTL:     time.Hour,
		StarterCoins:   100,
		RequestTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := farm.NewMemoryStore()
	require.NoError(t, farm.SeedDefaults(context.Background(), store))

	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	svc := farm.NewService(store, logger,
		farm.WithClock(clock.Now),
		farm.WithBcryptCost(bcrypt.MinCost),
		farm.WithStarterCoins(cfg.StarterCoins),
	)
	tokens, err := auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	require.NoError(t, err)

	ts := httptest.NewServer(New(cfg, logger, tokens, svc).Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *testEnv) login(t *testing.T, username string) auth.Pair {
	t.Helper()
	status, _ := e.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username": username,
		"email":    username + "@farm.test",
		"password": "hunter22",
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := e.do(t, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"username": username,
		"password": "hunter22",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	var pair auth.Pair
	require.NoError(t, json.Unmarshal(body, &pair))
	require.NotEmpty(t, pair.Access)
	require.NotEmpty(t, pair.Refresh)
	return pair
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func (e *testEnv) seedID(t *testing.T, token, slug string) int64 {
	t.Helper()
	status, body := e.do(t, http.MethodGet, "/v1/shop/seeds", token, nil)
	require.Equal(t, http.StatusOK, status)
	for _, it := range decode[[]farm.ShopItemView](t, body) {
		if it.Slug == slug {
			return it.ID
		}
	}
	t.Fatalf("seed %q not listed", slug)
	return 0
}

func TestPingAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/v1/ping", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"project":"sprout","message":"pong"}`, string(body))

	status, _ = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username": "farmer",
		"password": "123",
	})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, _ = env.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username": "farmer",
		"password": "hunter22",
		"extra":    true,
	})
	assert.Equal(t, http.StatusBadRequest, status)

	env.login(t, "farmer")
	status, _ = env.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username": "farmer",
		"password": "hunter22",
	})
	assert.Equal(t, http.StatusConflict, status)
}

func TestTokenRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t, "farmer")

	status, body := env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"username": "farmer",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, string(body), "invalid username or password")
}

func TestProtectedRoutesRequireAccessToken(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.login(t, "farmer")

	status, _ := env.do(t, http.MethodGet, "/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/v1/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// refresh tokens are not accepted as access tokens
	status, _ = env.do(t, http.MethodGet, "/v1/me", pair.Refresh, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := env.do(t, http.MethodGet, "/v1/me", pair.Access, nil)
	require.Equal(t, http.StatusOK, status)
	me := decode[farm.ProfileView](t, body)
	assert.Equal(t, "farmer", me.Username)
	assert.EqualValues(t, 100, me.CoinsBalance)
	assert.EqualValues(t, 1, me.Level)
	require.Len(t, me.Skills, 1)
	assert.Equal(t, farm.FarmingSkillCode, me.Skills[0].Code)
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.login(t, "farmer")

	status, body := env.do(t, http.MethodPost, "/v1/auth/token/refresh", "", map[string]any{"refresh": pair.Refresh})
	require.Equal(t, http.StatusOK, status, string(body))
	out := decode[map[string]string](t, body)
	require.NotEmpty(t, out["access"])

	status, _ = env.do(t, http.MethodGet, "/v1/me", out["access"], nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPost, "/v1/auth/token/refresh", "", map[string]any{"refresh": pair.Access})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPlantGrowHarvestSell(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "farmer").Access
	wheat := env.seedID(t, token, "wheat")

	status, body := env.do(t, http.MethodPost, "/v1/field/cells/action", token, map[string]any{
		"row": 0, "col": 0, "plant_id": wheat,
	})
	assert.Equal(t, http.StatusBadRequest, status, "planting without seeds or auto_buy must fail")
	assert.Contains(t, string(body), "not enough seeds")

	status, body = env.do(t, http.MethodPost, "/v1/field/cells/action", token, map[string]any{
		"row": 0, "col": 0, "plant_id": wheat, "auto_buy": true,
	})
	require.Equal(t, http.StatusOK, status, string(body))
	planted := decode[farm.CellActionResult](t, body)
	require.NotNil(t, planted.Cell.Plant)
	assert.Equal(t, "wheat", planted.Cell.Plant.Slug)
	assert.False(t, planted.Cell.IsReady)

	status, _ = env.do(t, http.MethodPost, "/v1/field/cells/action", token, map[string]any{
		"row": 0, "col": 0, "plant_id": wheat, "auto_buy": true,
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodPost, "/v1/field/cells/action", token, map[string]any{"row": 0, "col": 0})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "not ready")

	env.clock.Advance(2 * time.Minute)

	status, body = env.do(t, http.MethodGet, "/v1/field/cells", token, nil)
	require.Equal(t, http.StatusOK, status)
	cells := decode[[]farm.CellView](t, body)
	require.Len(t, cells, 1)
	assert.True(t, cells[0].IsReady)
	require.NotNil(t, cells[0].Harvest)
	assert.Equal(t, "/static/plants/wheat-harvest.png", cells[0].Harvest.ImageURL)

	status, body = env.do(t, http.MethodPost, "/v1/field/cells/action", token, map[string]any{"row": 0, "col": 0})
	require.Equal(t, http.StatusOK, status, string(body))
	harvested := decode[farm.CellActionResult](t, body)
	require.NotNil(t, harvested.HarvestAdded)
	assert.EqualValues(t, 2, harvested.HarvestAdded.Quantity)
	assert.Nil(t, harvested.Cell.Plant)

	status, body = env.do(t, http.MethodGet, "/v1/market/inventory", token, nil)
	require.Equal(t, http.StatusOK, status)
	market := decode[[]farm.MarketItemView](t, body)
	require.Len(t, market, 1)
	assert.Equal(t, "wheat-harvest", market[0].ItemSlug)

	status, body = env.do(t, http.MethodPost, "/v1/market/sell", token, map[string]any{
		"item_id": market[0].ID, "quantity": 2,
	})
	require.Equal(t, http.StatusOK, status, string(body))
	sold := decode[farm.SellResult](t, body)
	assert.EqualValues(t, 8, sold.TotalEarned)
	assert.EqualValues(t, 100-5+8, sold.CoinsBalance)

	status, _ = env.do(t, http.MethodPost, "/v1/market/sell", token, map[string]any{"item_id": market[0].ID})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCellActionRequiresCoordinates(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "farmer").Access

	status, body := env.do(t, http.MethodPost, "/v1/field/cells/action", token, map[string]any{"row": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "row and col are required")

	status, body = env.do(t, http.MethodPost, "/v1/field/cells/action", token, map[string]any{"row": 3000000000, "col": 0})
	assert.Equal(t, http.StatusBadRequest, status, string(body))
	assert.Contains(t, string(body), "invalid input")
}

func TestBuyAndInventory(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "farmer").Access
	carrot := env.seedID(t, token, "carrot")

	status, body := env.do(t, http.MethodPost, "/v1/shop/buy", token, map[string]any{"item_id": carrot, "quantity": 3})
	require.Equal(t, http.StatusOK, status, string(body))
	res := decode[farm.BuyResult](t, body)
	assert.EqualValues(t, 30, res.TotalSpent)
	assert.EqualValues(t, 70, res.CoinsBalance)

	status, body = env.do(t, http.MethodGet, "/v1/inventory", token, nil)
	require.Equal(t, http.StatusOK, status)
	inv := decode[[]farm.InventoryView](t, body)
	require.Len(t, inv, 1)
	assert.Equal(t, "carrot", inv[0].Item.Slug)
	assert.EqualValues(t, 3, inv[0].Quantity)

	status, _ = env.do(t, http.MethodPost, "/v1/shop/buy", token, map[string]any{"item_id": carrot, "quantity": 100})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/v1/shop/buy", token, map[string]any{"item_id": carrot, "quantity": 0})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/v1/shop/buy", token, map[string]any{"item_id": 99999})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestShopListings(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "farmer").Access

	status, body := env.do(t, http.MethodGet, "/v1/shop/harvest", token, nil)
	require.Equal(t, http.StatusOK, status)
	for _, it := range decode[[]farm.ShopItemView](t, body) {
		assert.True(t, it.IsHarvest, it.Slug)
	}

	status, body = env.do(t, http.MethodGet, "/v1/plants", token, nil)
	require.Equal(t, http.StatusOK, status)
	plants := decode[[]farm.ShopItemView](t, body)
	require.NotEmpty(t, plants)
	for _, it := range plants {
		assert.True(t, it.IsSeed, it.Slug)
	}

	status, body = env.do(t, http.MethodGet, "/v1/shop/no-such-category", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	status, body = env.do(t, http.MethodGet, "/v1/categories", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, decode[[]farm.CategoryView](t, body))
}

func TestRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.APIConfig) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]any{"username": "ghost", "password": "hunter22"})
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, _ := env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]any{"username": "ghost", "password": "hunter22"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "farmer").Access
	carrot := env.seedID(t, token, "carrot")
	status, _ := env.do(t, http.MethodPost, "/v1/shop/buy", token, map[string]any{"item_id": carrot})
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	text := string(body)
	assert.True(t, strings.Contains(text, `sprout_http_requests_total{method="POST",route="/v1/shop/buy",status="200"} 1`), text)
	assert.Contains(t, text, `sprout_farm_actions_total{action="buy",result="ok"} 1`)
	assert.Contains(t, text, `sprout_farm_coins_total{direction="spent"} 10`)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "", want: ""},
		{header: "Bearer abc", want: "abc"},
		{header: "bearer  abc ", want: "abc"},
		{header: "Basic abc", want: ""},
		{header: "Bearer", want: ""},
	}
	for _, tc := range tests {
		if got := bearerToken(tc.header); got != tc.want {
			t.Fatalf("header=%q got=%q want=%q", tc.header, got, tc.want)
		}
	}
}
