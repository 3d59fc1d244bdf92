package farm

import "context"

// Store runs units of work against the relational state. fn either commits
// as a whole or leaves no trace; implementations may call fn more than once
// when the backend asks for a retry.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of reads and writes available inside one transaction.
// Lookups of a single row return the matching not-found sentinel.
type Tx interface {
	CreateAccount(ctx context.Context, username, email, passwordHash string) (Account, error)
	AccountByUsername(ctx context.Context, username string) (Account, error)
	AccountByID(ctx context.Context, id int64) (Account, error)

	// EnsureProfile returns the caller's profile, creating it with
	// starterCoins on first use, and holds it for update.
	EnsureProfile(ctx context.Context, userID, starterCoins int64) (Profile, error)
	UpdateProfile(ctx context.Context, p Profile) error

	// EnsureUserSkills backfills progress rows for every catalog skill the
	// user lacks and returns all of them ordered by skill id.
	EnsureUserSkills(ctx context.Context, userID int64) ([]UserSkill, error)
	UpdateUserSkill(ctx context.Context, us UserSkill) error

	ListCategories(ctx context.Context) ([]Category, error)
	ListShopItems(ctx context.Context, f ShopFilter) ([]ShopItem, error)
	ShopItemByID(ctx context.Context, id int64) (ShopItem, error)

	ListCells(ctx context.Context, ownerID int64) ([]Cell, error)
	// EnsureCell returns the cell at (row, col), creating an empty one, and
	// holds it for update.
	EnsureCell(ctx context.Context, ownerID int64, row, col int) (Cell, error)
	UpdateCell(ctx context.Context, c Cell) error

	// ListInventory returns rows with a positive quantity, optionally only
	// those whose item is a harvest.
	ListInventory(ctx context.Context, profileID int64, harvestOnly bool) ([]InventoryItem, error)
	InventoryByID(ctx context.Context, profileID, id int64) (InventoryItem, error)
	InventoryQuantity(ctx context.Context, profileID, itemID int64) (int64, error)
	// SetInventoryQuantity upserts the row for (profile, item), deleting it
	// when qty drops to zero.
	SetInventoryQuantity(ctx context.Context, profileID, itemID, qty int64) error

	UpsertCategory(ctx context.Context, name string) (Category, error)
	UpsertShopItem(ctx context.Context, item ShopItem) (ShopItem, error)
	UpsertSkill(ctx context.Context, s Skill) (Skill, error)
}
