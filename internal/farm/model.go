package farm

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"time"
)

const (
	// FarmingSkillCode identifies the skill that speeds up growth and earns
	// experience on every harvest.
	FarmingSkillCode = "farming"

	HarvestExpGain      = int64(1)
	ProfileLevelExpStep = int64(100)

	MaxGrowthReductionPercent = 75.0
	MinGrowDurationSeconds    = int64(30)

	MinPasswordLength = 6
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrAccountNotFound      = errors.New("account not found")
	ErrItemNotFound         = errors.New("item not found")
	ErrSeedNotFound         = errors.New("seed not found")
	ErrInventoryNotFound    = errors.New("inventory item not found")
	ErrInsufficientFunds    = errors.New("insufficient coins")
	ErrInsufficientSeeds    = errors.New("not enough seeds or coins")
	ErrInsufficientQuantity = errors.New("not enough items in inventory")
	ErrCropNotReady         = errors.New("crop is not ready for harvest")
	ErrNoHarvestItem        = errors.New("seed has no linked harvest item")
	ErrCellOccupied         = errors.New("cell already has a growing plant")
	ErrTxConflict           = errors.New("transaction conflict, retry later")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_.@+-]{3,150}$`)

type Account struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Profile struct {
	ID           int64
	UserID       int64
	CoinsBalance int64
	Level        int64
	Exp          int64
}

// ExpForLevel is the total experience needed to reach level.
func ExpForLevel(level int64) int64 {
	return 50 * level * (level - 1) / 2
}

// RecalcLevel returns the level reached with exp total experience.
func RecalcLevel(exp int64) int64 {
	level := int64(1)
	for exp >= ExpForLevel(level+1) {
		level++
	}
	return level
}

func (p *Profile) AddExp(amount int64) {
	if amount <= 0 {
		return
	}
	p.Exp += amount
	p.Level = RecalcLevel(p.Exp)
}

// applyHarvestExp credits harvest experience with the flat level*100 step.
func (p *Profile) applyHarvestExp(amount int64) {
	p.Exp += amount
	required := p.Level * ProfileLevelExpStep
	if p.Exp >= required {
		p.Exp -= required
		p.Level++
	}
}

type Category struct {
	ID   int64
	Name string
}

type ShopItem struct {
	ID              int64
	Name            string
	Description     string
	Slug            string
	PriceCoins      int64
	Category        Category
	IsSeed          bool
	IsHarvest       bool
	GrowTimeMinutes *int64
	HarvestYield    *int64
	HarvestItemID   *int64
	HarvestItem     *ShopItem
}

func (it ShopItem) yield() int64 {
	if it.HarvestYield != nil && *it.HarvestYield > 0 {
		return *it.HarvestYield
	}
	return 1
}

func (it ShopItem) growMinutes() int64 {
	if it.GrowTimeMinutes == nil {
		return 0
	}
	return *it.GrowTimeMinutes
}

type Cell struct {
	ID                  int64
	OwnerID             int64
	Row                 int
	Col                 int
	ShopItemID          *int64
	Item                *ShopItem
	PlantedAt           *time.Time
	GrowDurationSeconds *int64
}

func (c Cell) IsGrowing() bool {
	return c.ShopItemID != nil && c.Item != nil && c.PlantedAt != nil && c.Item.IsSeed
}

// ReadyAt reports when the planted crop matures; ok is false for idle cells.
func (c Cell) ReadyAt() (time.Time, bool) {
	if !c.IsGrowing() || c.GrowDurationSeconds == nil || *c.GrowDurationSeconds == 0 {
		return time.Time{}, false
	}
	return c.PlantedAt.Add(time.Duration(*c.GrowDurationSeconds) * time.Second), true
}

func (c Cell) IsReady(now time.Time) bool {
	readyAt, ok := c.ReadyAt()
	return ok && !now.Before(readyAt)
}

func (c *Cell) clear() {
	c.ShopItemID = nil
	c.Item = nil
	c.PlantedAt = nil
	c.GrowDurationSeconds = nil
}

type InventoryItem struct {
	ID        int64
	ProfileID int64
	ItemID    int64
	Quantity  int64
	Item      ShopItem
}

type Skill struct {
	ID                  int64
	Code                string
	Name                string
	MaxLevel            int64
	BaseExp             int64
	ExpGrowth           float64
	EffectName          string
	EffectDescription   string
	EffectValuePerLevel float64
}

// RequiredExpForLevel is the experience needed to advance from level.
func (s Skill) RequiredExpForLevel(level int64) int64 {
	if level >= s.MaxLevel {
		return 0
	}
	return int64(float64(s.BaseExp) * math.Pow(s.ExpGrowth, float64(level)))
}

type UserSkill struct {
	ID     int64
	UserID int64
	Skill  Skill
	Level  int64
	Exp    int64
}

func (us *UserSkill) AddExp(amount int64) {
	if amount <= 0 || us.Level >= us.Skill.MaxLevel {
		return
	}
	us.Exp += amount
	for us.Level < us.Skill.MaxLevel {
		need := us.Skill.RequiredExpForLevel(us.Level)
		if need == 0 || us.Exp < need {
			break
		}
		us.Exp -= need
		us.Level++
	}
	if us.Level >= us.Skill.MaxLevel {
		us.Exp = 0
	}
}

func (us UserSkill) ExpToNext() int64 {
	if us.Level >= us.Skill.MaxLevel {
		return 0
	}
	return us.Skill.RequiredExpForLevel(us.Level)
}

// GrowthReductionPercent is the growth-time discount granted by a skill level.
func GrowthReductionPercent(level int64, effectPerLevel float64) float64 {
	pct := float64(level) * effectPerLevel
	if pct < 0 {
		return 0
	}
	return math.Min(pct, MaxGrowthReductionPercent)
}

// GrowDurationSeconds applies reductionPercent to a seed's base growth time.
func GrowDurationSeconds(growMinutes int64, reductionPercent float64) int64 {
	base := growMinutes * 60
	reduction := int64(float64(base) * (reductionPercent / 100))
	final := base - reduction
	if final < MinGrowDurationSeconds {
		return MinGrowDurationSeconds
	}
	return final
}

func findSkill(skills []UserSkill, code string) *UserSkill {
	for i := range skills {
		if skills[i].Skill.Code == code {
			return &skills[i]
		}
	}
	return nil
}

func validateUsername(username string) error {
	if !usernameRE.MatchString(username) {
		return invalidf("username must be 3-150 letters, digits or @.+-_")
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t") {
		return invalidf("email is not valid")
	}
	return nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
