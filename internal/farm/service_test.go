package farm

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, SeedDefaults(context.Background(), store))

	f := &fixture{store: store, now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	f.svc = NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return f.now }),
		WithBcryptCost(bcrypt.MinCost),
		WithStarterCoins(100),
	)
	return f
}

func (f *fixture) register(t *testing.T, username string) Account {
	t.Helper()
	acct, err := f.svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@farm.test",
		Password: "hunter22",
	})
	require.NoError(t, err)
	return acct
}

func (f *fixture) item(t *testing.T, slug string) ShopItemView {
	t.Helper()
	items, err := f.svc.ListShop(context.Background(), ShopFilter{})
	require.NoError(t, err)
	for _, it := range items {
		if it.Slug == slug {
			return it
		}
	}
	t.Fatalf("item %q not in catalog", slug)
	return ShopItemView{}
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	p, err := f.svc.Profile(context.Background(), userID)
	require.NoError(t, err)
	return p.CoinsBalance
}

func (f *fixture) quantity(t *testing.T, userID int64, slug string) int64 {
	t.Helper()
	inv, err := f.svc.Inventory(context.Background(), userID)
	require.NoError(t, err)
	for _, row := range inv {
		if row.Item.Slug == slug {
			return row.Quantity
		}
	}
	return 0
}

func (f *fixture) setFarmingLevel(t *testing.T, userID, level int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx Tx) error {
		skills, err := tx.EnsureUserSkills(ctx, userID)
		if err != nil {
			return err
		}
		us := findSkill(skills, FarmingSkillCode)
		us.Level = level
		return tx.UpdateUserSkill(ctx, *us)
	}))
}

func (f *fixture) plant(t *testing.T, userID int64, row, col int, slug string, autoBuy bool) (CellActionResult, error) {
	t.Helper()
	id := f.item(t, slug).ID
	return f.svc.CellAction(context.Background(), CellActionInput{
		UserID: userID, Row: row, Col: col, PlantID: &id, AutoBuy: autoBuy,
	})
}

func (f *fixture) harvest(userID int64, row, col int) (CellActionResult, error) {
	return f.svc.CellAction(context.Background(), CellActionInput{UserID: userID, Row: row, Col: col})
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct := f.register(t, "farmer")
	assert.NotZero(t, acct.ID)
	assert.NotEqual(t, "hunter22", acct.PasswordHash)

	got, err := f.svc.Authenticate(ctx, "farmer", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	_, err = f.svc.Authenticate(ctx, "farmer", "wrong-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Authenticate(ctx, "nobody", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Register(ctx, RegisterInput{Username: "farmer", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = f.svc.Register(ctx, RegisterInput{Username: "shorty", Password: "123"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Register(ctx, RegisterInput{Username: "x", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProfileAfterRegister(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")

	p, err := f.svc.Profile(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "farmer", p.Username)
	assert.Equal(t, "farmer@farm.test", p.Email)
	assert.Equal(t, int64(100), p.CoinsBalance)
	assert.Equal(t, int64(1), p.Level)
	assert.Equal(t, int64(0), p.Exp)
	require.Len(t, p.Skills, 1)
	assert.Equal(t, FarmingSkillCode, p.Skills[0].Code)
	assert.Equal(t, int64(0), p.Skills[0].Level)
	assert.Equal(t, int64(50), p.Skills[0].ExpToNext)
	assert.Equal(t, 5.0, p.Skills[0].EffectValuePerLevel)

	_, err = f.svc.Profile(context.Background(), acct.ID+100)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPlantWithoutSeedsFails(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")

	_, err := f.plant(t, acct.ID, 0, 0, "wheat", false)
	require.ErrorIs(t, err, ErrInsufficientSeeds)

	cells, err := f.svc.ListCells(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Empty(t, cells, "failed action must not leave a cell behind")
	assert.Equal(t, int64(100), f.balance(t, acct.ID))
}

func TestPlantAutoBuyWithoutCoinsFails(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	_, err := f.svc.Buy(context.Background(), BuyInput{UserID: acct.ID, ItemID: f.item(t, "tomato").ID, Quantity: 4})
	require.NoError(t, err)
	require.Equal(t, int64(0), f.balance(t, acct.ID))

	_, err = f.plant(t, acct.ID, 0, 0, "wheat", true)
	assert.ErrorIs(t, err, ErrInsufficientSeeds)
}

func TestPlantAutoBuy(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")

	res, err := f.plant(t, acct.ID, 1, 2, "wheat", true)
	require.NoError(t, err)

	assert.Equal(t, int64(95), f.balance(t, acct.ID))
	assert.Equal(t, int64(0), f.quantity(t, acct.ID, "wheat"), "auto-bought seed is consumed")
	require.NotNil(t, res.SeedsRemaining)
	assert.Equal(t, int64(0), *res.SeedsRemaining)

	require.NotNil(t, res.GrowthBonus)
	assert.Equal(t, GrowthBonus{EffectValuePerLevel: 5, OriginalMinutes: 2, FinalMinutes: 2}, *res.GrowthBonus)
	assert.Contains(t, res.Message, "Wheat seeds")
	assert.Nil(t, res.HarvestAdded)

	assert.Equal(t, 1, res.Cell.Row)
	assert.Equal(t, 2, res.Cell.Col)
	assert.False(t, res.Cell.IsReady)
	require.NotNil(t, res.Cell.Plant)
	assert.Equal(t, "seed", res.Cell.Plant.Type)
	assert.Equal(t, "wheat", res.Cell.Plant.Slug)
	assert.Nil(t, res.Cell.Harvest)
	require.NotNil(t, res.Cell.RemainingSeconds)
	assert.Equal(t, int64(120), *res.Cell.RemainingSeconds)
	require.NotNil(t, res.Cell.ReadyAt)
	assert.True(t, res.Cell.ReadyAt.Equal(f.now.Add(2*time.Minute)))
}

func TestPlantUsesOwnedSeed(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	_, err := f.svc.Buy(context.Background(), BuyInput{UserID: acct.ID, ItemID: f.item(t, "wheat").ID, Quantity: 3})
	require.NoError(t, err)

	res, err := f.plant(t, acct.ID, 0, 0, "wheat", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *res.SeedsRemaining)
	assert.Equal(t, int64(2), f.quantity(t, acct.ID, "wheat"))
	assert.Equal(t, int64(85), f.balance(t, acct.ID))
}

func TestPlantRejectsNonSeed(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")

	_, err := f.plant(t, acct.ID, 0, 0, "wheat-harvest", true)
	assert.ErrorIs(t, err, ErrSeedNotFound)

	missing := int64(9999)
	_, err = f.svc.CellAction(context.Background(), CellActionInput{UserID: acct.ID, PlantID: &missing, AutoBuy: true})
	assert.ErrorIs(t, err, ErrSeedNotFound)

	_, err = f.svc.CellAction(context.Background(), CellActionInput{UserID: acct.ID, Row: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// row_no and col_no are INTEGER columns
	for _, in := range []CellActionInput{
		{UserID: acct.ID, Row: math.MaxInt32 + 1},
		{UserID: acct.ID, Col: math.MaxInt32 + 1, PlantID: &missing},
	} {
		_, err = f.svc.CellAction(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestPlantOnGrowingCellFails(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")

	_, err := f.plant(t, acct.ID, 0, 0, "wheat", true)
	require.NoError(t, err)
	_, err = f.plant(t, acct.ID, 0, 0, "carrot", true)
	assert.ErrorIs(t, err, ErrCellOccupied)
	assert.Equal(t, int64(95), f.balance(t, acct.ID), "rejected plant must not auto-buy")
}

func TestGrowthBonusFromFarmingSkill(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	f.setFarmingLevel(t, acct.ID, 4)

	res, err := f.plant(t, acct.ID, 0, 0, "potato", true)
	require.NoError(t, err)
	require.NotNil(t, res.GrowthBonus)
	assert.Equal(t, int64(4), res.GrowthBonus.SkillLevel)
	assert.Equal(t, 5.0, res.GrowthBonus.EffectValuePerLevel)
	assert.Equal(t, 20.0, res.GrowthBonus.PercentReduction)
	assert.Equal(t, int64(10), res.GrowthBonus.OriginalMinutes)
	assert.Equal(t, 8.0, res.GrowthBonus.FinalMinutes)
	assert.Equal(t, int64(480), *res.Cell.RemainingSeconds)
}

func TestHarvestNotReadyLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")

	_, err := f.harvest(acct.ID, 3, 3)
	assert.ErrorIs(t, err, ErrCropNotReady, "empty cell")

	_, err = f.plant(t, acct.ID, 0, 0, "wheat", true)
	require.NoError(t, err)
	f.now = f.now.Add(119 * time.Second)

	_, err = f.harvest(acct.ID, 0, 0)
	require.ErrorIs(t, err, ErrCropNotReady)

	cells, err := f.svc.ListCells(context.Background(), acct.ID)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.NotNil(t, cells[0].PlantedAt)
	assert.Equal(t, int64(1), *cells[0].RemainingSeconds)
	assert.Equal(t, int64(0), f.quantity(t, acct.ID, "wheat-harvest"))

	p, err := f.svc.Profile(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Exp)
}

func TestHarvestReady(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")

	_, err := f.plant(t, acct.ID, 0, 0, "wheat", true)
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Minute)

	cells, err := f.svc.ListCells(context.Background(), acct.ID)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	ready := cells[0]
	assert.True(t, ready.IsReady)
	require.NotNil(t, ready.Plant)
	assert.Equal(t, "harvest", ready.Plant.Type)
	assert.Equal(t, "wheat-harvest", ready.Plant.Slug)
	require.NotNil(t, ready.Harvest)
	assert.Equal(t, "/static/plants/wheat-harvest.png", ready.Harvest.ImageURL)
	assert.Equal(t, int64(2), ready.Harvest.YieldQuantity)
	assert.Equal(t, int64(4), ready.Harvest.SellPrice)

	res, err := f.harvest(acct.ID, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, res.HarvestAdded)
	assert.Equal(t, HarvestSummary{Item: "Wheat", Quantity: 2, ExpGained: 1}, *res.HarvestAdded)
	require.NotNil(t, res.Profile)
	assert.Equal(t, ProfileSummary{Exp: 1, Level: 1, CoinsBalance: 95}, *res.Profile)

	assert.Nil(t, res.Cell.Plant)
	assert.Nil(t, res.Cell.PlantedAt)
	assert.False(t, res.Cell.IsReady)
	assert.Equal(t, int64(2), f.quantity(t, acct.ID, "wheat-harvest"))

	p, err := f.svc.Profile(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Skills[0].Exp, "farming skill gains exp alongside the profile")

	_, err = f.harvest(acct.ID, 0, 0)
	assert.ErrorIs(t, err, ErrCropNotReady, "cell was cleared")
}

func TestHarvestLevelsUpProfile(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.EnsureProfile(ctx, acct.ID, 0)
		if err != nil {
			return err
		}
		p.Exp = 99
		return tx.UpdateProfile(ctx, p)
	}))

	_, err := f.plant(t, acct.ID, 0, 0, "wheat", true)
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)

	res, err := f.harvest(acct.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Profile.Level)
	assert.Equal(t, int64(0), res.Profile.Exp)
}

func TestBuy(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	ctx := context.Background()
	pumpkin := f.item(t, "pumpkin")

	_, err := f.svc.Buy(ctx, BuyInput{UserID: acct.ID, ItemID: pumpkin.ID, Quantity: 2})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(100), f.balance(t, acct.ID))
	assert.Equal(t, int64(0), f.quantity(t, acct.ID, "pumpkin"))

	res, err := f.svc.Buy(ctx, BuyInput{UserID: acct.ID, ItemID: pumpkin.ID, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.CoinsBalance)
	assert.Equal(t, int64(1), f.quantity(t, acct.ID, "pumpkin"))

	wheat := f.item(t, "wheat")
	res, err = f.svc.Buy(ctx, BuyInput{UserID: acct.ID, ItemID: wheat.ID, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.CoinsBalance)
	assert.Equal(t, "Bought 3x Wheat seeds for 15 coins", res.Message)

	_, err = f.svc.Buy(ctx, BuyInput{UserID: acct.ID, ItemID: wheat.ID, Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Buy(ctx, BuyInput{UserID: acct.ID, ItemID: 9999, Quantity: 1})
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestSell(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	ctx := context.Background()

	_, err := f.plant(t, acct.ID, 0, 0, "wheat", true)
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	_, err = f.harvest(acct.ID, 0, 0)
	require.NoError(t, err)

	market, err := f.svc.MarketInventory(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, market, 1)
	row := market[0]
	assert.Equal(t, "wheat-harvest", row.ItemSlug)
	assert.Equal(t, int64(2), row.Quantity)
	assert.Equal(t, int64(4), row.SellPriceCoins)

	_, err = f.svc.Sell(ctx, SellInput{UserID: acct.ID, InventoryID: row.ID, Quantity: 3})
	require.ErrorIs(t, err, ErrInsufficientQuantity)
	_, err = f.svc.Sell(ctx, SellInput{UserID: acct.ID, InventoryID: row.ID, Quantity: 0})
	require.ErrorIs(t, err, ErrInvalidInput)

	other := f.register(t, "neighbour")
	_, err = f.svc.Sell(ctx, SellInput{UserID: other.ID, InventoryID: row.ID, Quantity: 1})
	require.ErrorIs(t, err, ErrInventoryNotFound)

	res, err := f.svc.Sell(ctx, SellInput{UserID: acct.ID, InventoryID: row.ID, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, SellResult{CoinsBalance: 103, Sold: 2, TotalEarned: 8, Message: "Sold 2x Wheat for 8 coins"}, res)

	market, err = f.svc.MarketInventory(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, market)
	inv, err := f.svc.Inventory(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, inv, "row is deleted once sold out")
}

func TestMarketInventoryOnlyHarvest(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	ctx := context.Background()
	_, err := f.svc.Buy(ctx, BuyInput{UserID: acct.ID, ItemID: f.item(t, "wheat").ID, Quantity: 1})
	require.NoError(t, err)

	market, err := f.svc.MarketInventory(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, market)

	inv, err := f.svc.Inventory(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, inv, 1)
	assert.Equal(t, "wheat", inv[0].Item.Slug)
	assert.Equal(t, CategorySeed, inv[0].Item.Category.Name)
}

func TestListShopFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all, err := f.svc.ListShop(ctx, ShopFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2*len(defaultCrops))
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	seeds, err := f.svc.ListShop(ctx, ShopFilter{Seeds: true, ByPrice: true})
	require.NoError(t, err)
	require.Len(t, seeds, len(defaultCrops))
	for i, s := range seeds {
		assert.True(t, s.IsSeed)
		require.NotNil(t, s.HarvestName)
		require.NotNil(t, s.HarvestSlug)
		if i > 0 {
			assert.LessOrEqual(t, seeds[i-1].PriceCoins, s.PriceCoins)
		}
	}
	assert.Equal(t, "Wheat", *seeds[0].HarvestName)

	harvest, err := f.svc.ListShop(ctx, ShopFilter{Harvest: true, ByPrice: true})
	require.NoError(t, err)
	require.Len(t, harvest, len(defaultCrops))
	assert.Equal(t, "wheat-harvest", harvest[0].Slug)
	assert.Equal(t, "pumpkin-harvest", harvest[len(harvest)-1].Slug)

	byCat, err := f.svc.ListShop(ctx, ShopFilter{Category: "Harvest", ByPrice: true})
	require.NoError(t, err)
	assert.Equal(t, harvest, byCat)

	none, err := f.svc.ListShop(ctx, ShopFilter{Category: "Tools"})
	require.NoError(t, err)
	assert.Empty(t, none)

	cats, err := f.svc.ListCategories(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{CategorySeed, CategoryResource, CategoryHarvest, CategoryProduct}, names)
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	require.NoError(t, SeedDefaults(context.Background(), f.store))

	all, err := f.svc.ListShop(context.Background(), ShopFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2*len(defaultCrops))

	p, err := f.svc.Profile(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Len(t, p.Skills, len(defaultSkills))
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	f := newFixture(t)
	acct := f.register(t, "farmer")
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.EnsureProfile(ctx, acct.ID, 0)
		if err != nil {
			return err
		}
		p.CoinsBalance = 1
		if err := tx.UpdateProfile(ctx, p); err != nil {
			return err
		}
		return ErrTxConflict
	})
	require.ErrorIs(t, err, ErrTxConflict)
	assert.Equal(t, int64(100), f.balance(t, acct.ID))

	err = f.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.EnsureProfile(ctx, acct.ID, 0)
		if err != nil {
			return err
		}
		p.CoinsBalance = -1
		return tx.UpdateProfile(ctx, p)
	})
	assert.Error(t, err, "negative balance is rejected")
}
