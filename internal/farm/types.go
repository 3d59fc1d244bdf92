package farm

import "time"

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type AccountView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type ProfileView struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	CoinsBalance int64           `json:"coins_balance"`
	Level        int64           `json:"level"`
	Exp          int64           `json:"exp"`
	Skills       []UserSkillView `json:"skills"`
}

type UserSkillView struct {
	ID                  int64   `json:"id"`
	Code                string  `json:"code"`
	Name                string  `json:"name"`
	Level               int64   `json:"level"`
	Exp                 int64   `json:"exp"`
	ExpToNext           int64   `json:"exp_to_next"`
	MaxLevel            int64   `json:"max_level"`
	EffectName          string  `json:"effect_name"`
	EffectValuePerLevel float64 `json:"effect_value_per_level"`
}

type CategoryView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ShopItemView struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	Slug            string       `json:"slug"`
	PriceCoins      int64        `json:"price_coins"`
	Category        CategoryView `json:"category"`
	IsSeed          bool         `json:"is_seed"`
	IsHarvest       bool         `json:"is_harvest"`
	GrowTimeMinutes *int64       `json:"grow_time_minutes"`
	HarvestYield    *int64       `json:"harvest_yield"`
	HarvestItem     *int64       `json:"harvest_item"`
	HarvestName     *string      `json:"harvest_name"`
	HarvestSlug     *string      `json:"harvest_slug"`
}

type ShopFilter struct {
	Seeds    bool
	Harvest  bool
	Category string
	// ByPrice orders by price_coins then id; otherwise by id.
	ByPrice bool
}

type CellView struct {
	ID               int64        `json:"id"`
	Row              int          `json:"row"`
	Col              int          `json:"col"`
	Plant            *PlantView   `json:"plant"`
	Harvest          *HarvestView `json:"harvest"`
	PlantedAt        *time.Time   `json:"planted_at"`
	ReadyAt          *time.Time   `json:"ready_at"`
	RemainingSeconds *int64       `json:"remaining_seconds"`
	IsReady          bool         `json:"is_ready"`
}

type PlantView struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	GrowTimeMinutes *int64 `json:"grow_time_minutes"`
	SeedPrice       int64  `json:"seed_price"`
	Slug            string `json:"slug"`
	Type            string `json:"type"`
	IsReady         bool   `json:"is_ready"`
}

type HarvestView struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	SellPrice     int64  `json:"sell_price"`
	YieldQuantity int64  `json:"yield_quantity"`
	ImageURL      string `json:"image_url"`
	Type          string `json:"type"`
}

type CellActionInput struct {
	UserID  int64
	Row     int
	Col     int
	PlantID *int64
	AutoBuy bool
}

type CellActionResult struct {
	Cell           CellView        `json:"cell"`
	HarvestAdded   *HarvestSummary `json:"harvest_added,omitempty"`
	Profile        *ProfileSummary `json:"profile,omitempty"`
	SeedsRemaining *int64          `json:"seeds_remaining,omitempty"`
	GrowthBonus    *GrowthBonus    `json:"growth_bonus,omitempty"`
	Message        string          `json:"message,omitempty"`
}

type HarvestSummary struct {
	Item      string `json:"item"`
	Quantity  int64  `json:"quantity"`
	ExpGained int64  `json:"exp_gained"`
}

type ProfileSummary struct {
	Exp          int64 `json:"exp"`
	Level        int64 `json:"level"`
	CoinsBalance int64 `json:"coins_balance"`
}

type GrowthBonus struct {
	SkillLevel          int64   `json:"skill_level"`
	EffectValuePerLevel float64 `json:"effect_value_per_level"`
	PercentReduction    float64 `json:"percent_reduction"`
	OriginalMinutes     int64   `json:"original_minutes"`
	FinalMinutes        float64 `json:"final_minutes"`
}

type InventoryView struct {
	ID       int64        `json:"id"`
	Item     ShopItemView `json:"item"`
	Quantity int64        `json:"quantity"`
}

type MarketItemView struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	SellPriceCoins int64  `json:"sell_price_coins"`
	Quantity       int64  `json:"quantity"`
	ItemSlug       string `json:"item_slug"`
}

type BuyInput struct {
	UserID   int64
	ItemID   int64
	Quantity int64
}

type BuyResult struct {
	CoinsBalance int64  `json:"coins_balance"`
	TotalSpent   int64  `json:"total_spent"`
	Message      string `json:"message"`
}

type SellInput struct {
	UserID      int64
	InventoryID int64
	Quantity    int64
}

type SellResult struct {
	CoinsBalance int64  `json:"coins_balance"`
	Sold         int64  `json:"sold"`
	TotalEarned  int64  `json:"total_earned"`
	Message      string `json:"message"`
}
