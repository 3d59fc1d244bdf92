package farm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const DefaultStarterCoins = int64(100)

type Service struct {
	store        Store
	log          *slog.Logger
	now          func() time.Time
	starterCoins int64
	bcryptCost   int
}

type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithStarterCoins(coins int64) Option {
	return func(s *Service) {
		if coins >= 0 {
			s.starterCoins = coins
		}
	}
}

func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:        store,
		log:          logger,
		now:          time.Now,
		starterCoins: DefaultStarterCoins,
		bcryptCost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (Account, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateUsername(in.Username); err != nil {
		return Account{}, err
	}
	if err := validateEmail(in.Email); err != nil {
		return Account{}, err
	}
	if len(in.Password) < MinPasswordLength {
		return Account{}, invalidf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return Account{}, invalidf("password is too long")
		}
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	var acct Account
	err = s.store.InTx(ctx, func(tx Tx) error {
		a, err := tx.CreateAccount(ctx, in.Username, in.Email, string(hash))
		if err != nil {
			return err
		}
		if _, err := tx.EnsureProfile(ctx, a.ID, s.starterCoins); err != nil {
			return err
		}
		if _, err := tx.EnsureUserSkills(ctx, a.ID); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.log.Info("account registered", "user_id", acct.ID, "username", acct.Username)
	return acct, nil
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Account{}, invalidf("username and password are required")
	}
	var acct Account
	err := s.store.InTx(ctx, func(tx Tx) error {
		a, err := tx.AccountByUsername(ctx, username)
		if err != nil {
			return err
		}
		acct = a
		return nil
	})
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	return acct, nil
}

func (s *Service) Account(ctx context.Context, userID int64) (Account, error) {
	var acct Account
	err := s.store.InTx(ctx, func(tx Tx) error {
		a, err := tx.AccountByID(ctx, userID)
		if err != nil {
			return err
		}
		acct = a
		return nil
	})
	return acct, err
}

func (s *Service) Profile(ctx context.Context, userID int64) (ProfileView, error) {
	var out ProfileView
	err := s.store.InTx(ctx, func(tx Tx) error {
		acct, err := tx.AccountByID(ctx, userID)
		if err != nil {
			return err
		}
		p, err := tx.EnsureProfile(ctx, userID, s.starterCoins)
		if err != nil {
			return err
		}
		skills, err := tx.EnsureUserSkills(ctx, userID)
		if err != nil {
			return err
		}
		out = ProfileView{
			ID:           acct.ID,
			Username:     acct.Username,
			Email:        acct.Email,
			CoinsBalance: p.CoinsBalance,
			Level:        p.Level,
			Exp:          p.Exp,
			Skills:       make([]UserSkillView, 0, len(skills)),
		}
		for _, us := range skills {
			out.Skills = append(out.Skills, UserSkillView{
				ID:                  us.ID,
				Code:                us.Skill.Code,
				Name:                us.Skill.Name,
				Level:               us.Level,
				Exp:                 us.Exp,
				ExpToNext:           us.ExpToNext(),
				MaxLevel:            us.Skill.MaxLevel,
				EffectName:          us.Skill.EffectName,
				EffectValuePerLevel: us.Skill.EffectValuePerLevel,
			})
		}
		return nil
	})
	return out, err
}

func (s *Service) ListCells(ctx context.Context, userID int64) ([]CellView, error) {
	var cells []Cell
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		cells, err = tx.ListCells(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]CellView, 0, len(cells))
	for _, c := range cells {
		out = append(out, cellView(c, now))
	}
	return out, nil
}

// CellAction harvests the cell when in.PlantID is nil and plants the given
// seed otherwise. Either path commits as a single transaction.
func (s *Service) CellAction(ctx context.Context, in CellActionInput) (CellActionResult, error) {
	if in.Row < 0 || in.Col < 0 || in.Row > math.MaxInt32 || in.Col > math.MaxInt32 {
		return CellActionResult{}, invalidf("row and col must be between 0 and %d", math.MaxInt32)
	}
	now := s.now()
	var out CellActionResult
	err := s.store.InTx(ctx, func(tx Tx) error {
		profile, err := tx.EnsureProfile(ctx, in.UserID, s.starterCoins)
		if err != nil {
			return err
		}
		cell, err := tx.EnsureCell(ctx, in.UserID, in.Row, in.Col)
		if err != nil {
			return err
		}
		skills, err := tx.EnsureUserSkills(ctx, in.UserID)
		if err != nil {
			return err
		}
		if in.PlantID == nil {
			out, err = harvestTx(ctx, tx, now, profile, cell, skills)
		} else {
			out, err = plantTx(ctx, tx, now, in, profile, cell, skills)
		}
		return err
	})
	if err != nil {
		return CellActionResult{}, err
	}
	if out.HarvestAdded != nil {
		s.log.Info("cell harvested", "user_id", in.UserID, "row", in.Row, "col", in.Col,
			"item", out.HarvestAdded.Item, "quantity", out.HarvestAdded.Quantity)
	} else {
		s.log.Info("cell planted", "user_id", in.UserID, "row", in.Row, "col", in.Col,
			"plant_id", *in.PlantID, "duration_minutes", out.GrowthBonus.FinalMinutes)
	}
	return out, nil
}

func harvestTx(ctx context.Context, tx Tx, now time.Time, profile Profile, cell Cell, skills []UserSkill) (CellActionResult, error) {
	if !cell.IsReady(now) {
		return CellActionResult{}, ErrCropNotReady
	}
	seed := cell.Item
	if seed.HarvestItem == nil {
		return CellActionResult{}, ErrNoHarvestItem
	}
	harvest := *seed.HarvestItem
	qty := seed.yield()

	held, err := tx.InventoryQuantity(ctx, profile.ID, harvest.ID)
	if err != nil {
		return CellActionResult{}, err
	}
	if err := tx.SetInventoryQuantity(ctx, profile.ID, harvest.ID, held+qty); err != nil {
		return CellActionResult{}, err
	}

	profile.applyHarvestExp(HarvestExpGain)
	if farming := findSkill(skills, FarmingSkillCode); farming != nil {
		farming.AddExp(HarvestExpGain)
		if err := tx.UpdateUserSkill(ctx, *farming); err != nil {
			return CellActionResult{}, err
		}
	}
	if err := tx.UpdateProfile(ctx, profile); err != nil {
		return CellActionResult{}, err
	}

	cell.clear()
	if err := tx.UpdateCell(ctx, cell); err != nil {
		return CellActionResult{}, err
	}
	return CellActionResult{
		Cell: cellView(cell, now),
		HarvestAdded: &HarvestSummary{
			Item:      harvest.Name,
			Quantity:  qty,
			ExpGained: HarvestExpGain,
		},
		Profile: &ProfileSummary{
			Exp:          profile.Exp,
			Level:        profile.Level,
			CoinsBalance: profile.CoinsBalance,
		},
	}, nil
}

func plantTx(ctx context.Context, tx Tx, now time.Time, in CellActionInput, profile Profile, cell Cell, skills []UserSkill) (CellActionResult, error) {
	seed, err := tx.ShopItemByID(ctx, *in.PlantID)
	if errors.Is(err, ErrItemNotFound) || (err == nil && !seed.IsSeed) {
		return CellActionResult{}, fmt.Errorf("%w: id=%d", ErrSeedNotFound, *in.PlantID)
	}
	if err != nil {
		return CellActionResult{}, err
	}
	if cell.IsGrowing() {
		return CellActionResult{}, ErrCellOccupied
	}

	held, err := tx.InventoryQuantity(ctx, profile.ID, seed.ID)
	if err != nil {
		return CellActionResult{}, err
	}
	if held <= 0 {
		if !in.AutoBuy || profile.CoinsBalance < seed.PriceCoins {
			return CellActionResult{}, ErrInsufficientSeeds
		}
		profile.CoinsBalance -= seed.PriceCoins
		held++
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return CellActionResult{}, err
		}
	}
	held--
	if err := tx.SetInventoryQuantity(ctx, profile.ID, seed.ID, held); err != nil {
		return CellActionResult{}, err
	}

	bonus := GrowthBonus{OriginalMinutes: seed.growMinutes()}
	if farming := findSkill(skills, FarmingSkillCode); farming != nil {
		bonus.SkillLevel = farming.Level
		bonus.EffectValuePerLevel = farming.Skill.EffectValuePerLevel
		bonus.PercentReduction = GrowthReductionPercent(farming.Level, farming.Skill.EffectValuePerLevel)
	}
	duration := GrowDurationSeconds(bonus.OriginalMinutes, bonus.PercentReduction)
	bonus.PercentReduction = round1(bonus.PercentReduction)
	bonus.FinalMinutes = round1(float64(duration) / 60)

	plantedAt := now
	cell.ShopItemID = &seed.ID
	cell.Item = &seed
	cell.PlantedAt = &plantedAt
	cell.GrowDurationSeconds = &duration
	if err := tx.UpdateCell(ctx, cell); err != nil {
		return CellActionResult{}, err
	}

	return CellActionResult{
		Cell:           cellView(cell, now),
		SeedsRemaining: &held,
		GrowthBonus:    &bonus,
		Message:        fmt.Sprintf("Planted %s: %d -> %.1f min", seed.Name, bonus.OriginalMinutes, bonus.FinalMinutes),
	}, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]CategoryView, error) {
	var cats []Category
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		cats, err = tx.ListCategories(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]CategoryView, 0, len(cats))
	for _, c := range cats {
		out = append(out, CategoryView{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

func (s *Service) ListShop(ctx context.Context, f ShopFilter) ([]ShopItemView, error) {
	f.Category = strings.TrimSpace(f.Category)
	var items []ShopItem
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		items, err = tx.ListShopItems(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]ShopItemView, 0, len(items))
	for _, it := range items {
		out = append(out, shopItemView(it))
	}
	return out, nil
}

func (s *Service) Buy(ctx context.Context, in BuyInput) (BuyResult, error) {
	if in.Quantity <= 0 {
		return BuyResult{}, invalidf("quantity must be > 0")
	}
	var out BuyResult
	var item ShopItem
	var total int64
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		item, err = tx.ShopItemByID(ctx, in.ItemID)
		if err != nil {
			return err
		}
		total, err = coinsTotal(item.PriceCoins, in.Quantity)
		if err != nil {
			return err
		}
		profile, err := tx.EnsureProfile(ctx, in.UserID, s.starterCoins)
		if err != nil {
			return err
		}
		if profile.CoinsBalance < total {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, total, profile.CoinsBalance)
		}
		profile.CoinsBalance -= total
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		held, err := tx.InventoryQuantity(ctx, profile.ID, item.ID)
		if err != nil {
			return err
		}
		if err := tx.SetInventoryQuantity(ctx, profile.ID, item.ID, held+in.Quantity); err != nil {
			return err
		}
		out = BuyResult{
			CoinsBalance: profile.CoinsBalance,
			TotalSpent:   total,
			Message:      fmt.Sprintf("Bought %dx %s for %d coins", in.Quantity, item.Name, total),
		}
		return nil
	})
	if err != nil {
		return BuyResult{}, err
	}
	s.log.Info("item bought", "user_id", in.UserID, "item_id", item.ID, "quantity", in.Quantity, "total", total)
	return out, nil
}

func (s *Service) Inventory(ctx context.Context, userID int64) ([]InventoryView, error) {
	rows, err := s.inventory(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	out := make([]InventoryView, 0, len(rows))
	for _, r := range rows {
		out = append(out, InventoryView{ID: r.ID, Item: shopItemView(r.Item), Quantity: r.Quantity})
	}
	return out, nil
}

func (s *Service) MarketInventory(ctx context.Context, userID int64) ([]MarketItemView, error) {
	rows, err := s.inventory(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	out := make([]MarketItemView, 0, len(rows))
	for _, r := range rows {
		out = append(out, MarketItemView{
			ID:             r.ID,
			Name:           r.Item.Name,
			SellPriceCoins: r.Item.PriceCoins,
			Quantity:       r.Quantity,
			ItemSlug:       r.Item.Slug,
		})
	}
	return out, nil
}

func (s *Service) inventory(ctx context.Context, userID int64, harvestOnly bool) ([]InventoryItem, error) {
	var rows []InventoryItem
	err := s.store.InTx(ctx, func(tx Tx) error {
		profile, err := tx.EnsureProfile(ctx, userID, s.starterCoins)
		if err != nil {
			return err
		}
		rows, err = tx.ListInventory(ctx, profile.ID, harvestOnly)
		return err
	})
	return rows, err
}

func (s *Service) Sell(ctx context.Context, in SellInput) (SellResult, error) {
	if in.Quantity <= 0 {
		return SellResult{}, invalidf("quantity must be > 0")
	}
	var out SellResult
	err := s.store.InTx(ctx, func(tx Tx) error {
		profile, err := tx.EnsureProfile(ctx, in.UserID, s.starterCoins)
		if err != nil {
			return err
		}
		row, err := tx.InventoryByID(ctx, profile.ID, in.InventoryID)
		if err != nil {
			return err
		}
		if row.Quantity < in.Quantity {
			return fmt.Errorf("%w: have %d, selling %d", ErrInsufficientQuantity, row.Quantity, in.Quantity)
		}
		total, err := coinsTotal(row.Item.PriceCoins, in.Quantity)
		if err != nil {
			return err
		}
		profile.CoinsBalance += total
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		if err := tx.SetInventoryQuantity(ctx, profile.ID, row.ItemID, row.Quantity-in.Quantity); err != nil {
			return err
		}
		out = SellResult{
			CoinsBalance: profile.CoinsBalance,
			Sold:         in.Quantity,
			TotalEarned:  total,
			Message:      fmt.Sprintf("Sold %dx %s for %d coins", in.Quantity, row.Item.Name, total),
		}
		return nil
	})
	if err != nil {
		return SellResult{}, err
	}
	s.log.Info("item sold", "user_id", in.UserID, "inventory_id", in.InventoryID, "quantity", in.Quantity, "total", out.TotalEarned)
	return out, nil
}

func coinsTotal(price, qty int64) (int64, error) {
	if price < 0 || qty < 0 {
		return 0, invalidf("negative amount")
	}
	if price != 0 && qty > math.MaxInt64/price {
		return 0, invalidf("quantity too large")
	}
	return price * qty, nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
