package farm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// retryPolicy bounds how often a serializable transaction is re-run.
type retryPolicy struct {
	attempts   int
	firstDelay time.Duration
	maxDelay   time.Duration
}

var defaultRetry = retryPolicy{
	attempts:   8,
	firstDelay: 75 * time.Millisecond,
	maxDelay:   1200 * time.Millisecond,
}

type beginFunc func(ctx context.Context) (pgx.Tx, error)

type PostgresStore struct {
	db    *pgxpool.Pool
	log   *slog.Logger
	retry retryPolicy
}

func NewPostgresStore(db *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, log: logger, retry: defaultRetry}
}

// InTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures with capped exponential backoff.
func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	begin := func(ctx context.Context) (pgx.Tx, error) {
		return p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	}
	return inTxWith(ctx, p.log, p.retry, begin, fn)
}

func inTxWith(ctx context.Context, log *slog.Logger, policy retryPolicy, begin beginFunc, fn func(tx Tx) error) error {
	retryDelay := policy.firstDelay
	for attempt := 0; attempt < policy.attempts; attempt++ {
		tx, err := begin(ctx)
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(&pgTx{tx: tx}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == policy.attempts-1 {
			break
		}
		log.Debug("retrying serializable transaction", "attempt", attempt+1, "delay", retryDelay)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < policy.maxDelay {
			retryDelay = min(retryDelay*2, policy.maxDelay)
		}
	}
	return ErrTxConflict
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, username, email, passwordHash string) (Account, error) {
	a := Account{Username: username, Email: email, PasswordHash: passwordHash}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO accounts.users (username, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, username, email, passwordHash).Scan(&a.ID, &a.CreatedAt)
	if isPgCode(err, "23505") {
		return Account{}, ErrUsernameTaken
	}
	return a, err
}

func (t *pgTx) AccountByUsername(ctx context.Context, username string) (Account, error) {
	return t.account(ctx, `WHERE username = $1`, username)
}

func (t *pgTx) AccountByID(ctx context.Context, id int64) (Account, error) {
	return t.account(ctx, `WHERE id = $1`, id)
}

func (t *pgTx) account(ctx context.Context, where string, arg any) (Account, error) {
	var a Account
	err := t.tx.QueryRow(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM accounts.users
		`+where, arg).Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (t *pgTx) EnsureProfile(ctx context.Context, userID, starterCoins int64) (Profile, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO farm.profiles (user_id, coins_balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, starterCoins); err != nil {
		if isPgCode(err, "23503") {
			return Profile{}, ErrAccountNotFound
		}
		return Profile{}, err
	}
	var p Profile
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, coins_balance, level, exp
		FROM farm.profiles
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&p.ID, &p.UserID, &p.CoinsBalance, &p.Level, &p.Exp)
	return p, err
}

func (t *pgTx) UpdateProfile(ctx context.Context, p Profile) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE farm.profiles
		SET coins_balance = $1, level = $2, exp = $3, updated_at = now()
		WHERE id = $4
	`, p.CoinsBalance, p.Level, p.Exp, p.ID)
	return err
}

func (t *pgTx) EnsureUserSkills(ctx context.Context, userID int64) ([]UserSkill, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO farm.user_skills (user_id, skill_id)
		SELECT $1, s.id FROM farm.skills s
		ON CONFLICT (user_id, skill_id) DO NOTHING
	`, userID); err != nil {
		if isPgCode(err, "23503") {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `
		SELECT us.id, us.user_id, us.level, us.exp,
		       s.id, s.code, s.name, s.max_level, s.base_exp, s.exp_growth,
		       s.effect_name, s.effect_description, s.effect_value_per_level
		FROM farm.user_skills us
		JOIN farm.skills s ON s.id = us.skill_id
		WHERE us.user_id = $1
		ORDER BY s.id
		FOR UPDATE OF us
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]UserSkill, 0)
	for rows.Next() {
		var us UserSkill
		sk := &us.Skill
		if err := rows.Scan(&us.ID, &us.UserID, &us.Level, &us.Exp,
			&sk.ID, &sk.Code, &sk.Name, &sk.MaxLevel, &sk.BaseExp, &sk.ExpGrowth,
			&sk.EffectName, &sk.EffectDescription, &sk.EffectValuePerLevel); err != nil {
			return nil, err
		}
		out = append(out, us)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateUserSkill(ctx context.Context, us UserSkill) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE farm.user_skills
		SET level = $1, exp = $2, updated_at = now()
		WHERE id = $3
	`, us.Level, us.Exp, us.ID)
	return err
}

func (t *pgTx) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name FROM farm.item_categories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Category, 0)
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const itemColumns = `
	i.id, i.name, i.description, i.slug, i.price_coins, c.id, c.name,
	i.is_seed, i.is_harvest, i.grow_time_minutes, i.harvest_yield, i.harvest_item_id,
	h.id, h.name, h.description, h.slug, h.price_coins, h.is_harvest, hc.id, hc.name`

const itemJoins = `
	JOIN farm.item_categories c ON c.id = i.category_id
	LEFT JOIN farm.shop_items h ON h.id = i.harvest_item_id
	LEFT JOIN farm.item_categories hc ON hc.id = h.category_id`

// itemRow collects one itemColumns projection; the harvest side is nullable.
type itemRow struct {
	it       ShopItem
	hID      *int64
	hName    *string
	hDesc    *string
	hSlug    *string
	hPrice   *int64
	hHarvest *bool
	hCatID   *int64
	hCatName *string
}

func (r *itemRow) dest() []any {
	return []any{
		&r.it.ID, &r.it.Name, &r.it.Description, &r.it.Slug, &r.it.PriceCoins, &r.it.Category.ID, &r.it.Category.Name,
		&r.it.IsSeed, &r.it.IsHarvest, &r.it.GrowTimeMinutes, &r.it.HarvestYield, &r.it.HarvestItemID,
		&r.hID, &r.hName, &r.hDesc, &r.hSlug, &r.hPrice, &r.hHarvest, &r.hCatID, &r.hCatName,
	}
}

func (r *itemRow) item() ShopItem {
	it := r.it
	if r.hID != nil {
		h := ShopItem{ID: *r.hID, Name: deref(r.hName), Description: deref(r.hDesc), Slug: deref(r.hSlug)}
		if r.hPrice != nil {
			h.PriceCoins = *r.hPrice
		}
		if r.hHarvest != nil {
			h.IsHarvest = *r.hHarvest
		}
		if r.hCatID != nil {
			h.Category = Category{ID: *r.hCatID, Name: deref(r.hCatName)}
		}
		it.HarvestItem = &h
	}
	return it
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (t *pgTx) ListShopItems(ctx context.Context, f ShopFilter) ([]ShopItem, error) {
	conds := []string{"true"}
	args := []any{}
	if f.Seeds {
		conds = append(conds, "i.is_seed")
	}
	if f.Harvest {
		conds = append(conds, "i.is_harvest")
	}
	if f.Category != "" {
		args = append(args, f.Category)
		conds = append(conds, fmt.Sprintf("c.name = $%d", len(args)))
	}
	order := "i.id"
	if f.ByPrice {
		order = "i.price_coins, i.id"
	}
	rows, err := t.tx.Query(ctx, `SELECT `+itemColumns+`
		FROM farm.shop_items i`+itemJoins+`
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY `+order, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ShopItem, 0)
	for rows.Next() {
		var r itemRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		out = append(out, r.item())
	}
	return out, rows.Err()
}

func (t *pgTx) ShopItemByID(ctx context.Context, id int64) (ShopItem, error) {
	var r itemRow
	err := t.tx.QueryRow(ctx, `SELECT `+itemColumns+`
		FROM farm.shop_items i`+itemJoins+`
		WHERE i.id = $1`, id).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ShopItem{}, fmt.Errorf("%w: id=%d", ErrItemNotFound, id)
	}
	if err != nil {
		return ShopItem{}, err
	}
	return r.item(), nil
}

const cellColumns = `id, owner_id, row_no, col_no, shop_item_id, planted_at, grow_duration_seconds`

func scanCell(row pgx.Row) (Cell, error) {
	var c Cell
	err := row.Scan(&c.ID, &c.OwnerID, &c.Row, &c.Col, &c.ShopItemID, &c.PlantedAt, &c.GrowDurationSeconds)
	return c, err
}

func (t *pgTx) ListCells(ctx context.Context, ownerID int64) ([]Cell, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+cellColumns+`
		FROM farm.cells
		WHERE owner_id = $1
		ORDER BY row_no, col_no
	`, ownerID)
	if err != nil {
		return nil, err
	}
	cells := make([]Cell, 0)
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cells = append(cells, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items := map[int64]ShopItem{}
	for i := range cells {
		if err := t.attachItem(ctx, &cells[i], items); err != nil {
			return nil, err
		}
	}
	return cells, nil
}

func (t *pgTx) EnsureCell(ctx context.Context, ownerID int64, row, col int) (Cell, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO farm.cells (owner_id, row_no, col_no)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, row_no, col_no) DO NOTHING
	`, ownerID, row, col); err != nil {
		return Cell{}, err
	}
	c, err := scanCell(t.tx.QueryRow(ctx, `
		SELECT `+cellColumns+`
		FROM farm.cells
		WHERE owner_id = $1 AND row_no = $2 AND col_no = $3
		FOR UPDATE
	`, ownerID, row, col))
	if err != nil {
		return Cell{}, err
	}
	if err := t.attachItem(ctx, &c, nil); err != nil {
		return Cell{}, err
	}
	return c, nil
}

func (t *pgTx) attachItem(ctx context.Context, c *Cell, cache map[int64]ShopItem) error {
	if c.ShopItemID == nil {
		return nil
	}
	it, ok := cache[*c.ShopItemID]
	if !ok {
		var err error
		it, err = t.ShopItemByID(ctx, *c.ShopItemID)
		if err != nil {
			return err
		}
		if cache != nil {
			cache[it.ID] = it
		}
	}
	c.Item = &it
	return nil
}

func (t *pgTx) UpdateCell(ctx context.Context, c Cell) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE farm.cells
		SET shop_item_id = $1, planted_at = $2, grow_duration_seconds = $3, updated_at = now()
		WHERE id = $4
	`, c.ShopItemID, c.PlantedAt, c.GrowDurationSeconds, c.ID)
	return err
}

func (t *pgTx) ListInventory(ctx context.Context, profileID int64, harvestOnly bool) ([]InventoryItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT inv.id, inv.profile_id, inv.item_id, inv.quantity, `+itemColumns+`
		FROM farm.inventory_items inv
		JOIN farm.shop_items i ON i.id = inv.item_id`+itemJoins+`
		WHERE inv.profile_id = $1 AND inv.quantity > 0 AND ($2::boolean = false OR i.is_harvest)
		ORDER BY inv.id
	`, profileID, harvestOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]InventoryItem, 0)
	for rows.Next() {
		var inv InventoryItem
		var r itemRow
		dest := append([]any{&inv.ID, &inv.ProfileID, &inv.ItemID, &inv.Quantity}, r.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		inv.Item = r.item()
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (t *pgTx) InventoryByID(ctx context.Context, profileID, id int64) (InventoryItem, error) {
	var inv InventoryItem
	var r itemRow
	dest := append([]any{&inv.ID, &inv.ProfileID, &inv.ItemID, &inv.Quantity}, r.dest()...)
	err := t.tx.QueryRow(ctx, `
		SELECT inv.id, inv.profile_id, inv.item_id, inv.quantity, `+itemColumns+`
		FROM farm.inventory_items inv
		JOIN farm.shop_items i ON i.id = inv.item_id`+itemJoins+`
		WHERE inv.id = $1 AND inv.profile_id = $2
		FOR UPDATE OF inv
	`, id, profileID).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryItem{}, fmt.Errorf("%w: id=%d", ErrInventoryNotFound, id)
	}
	if err != nil {
		return InventoryItem{}, err
	}
	inv.Item = r.item()
	return inv, nil
}

func (t *pgTx) InventoryQuantity(ctx context.Context, profileID, itemID int64) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx, `
		SELECT quantity
		FROM farm.inventory_items
		WHERE profile_id = $1 AND item_id = $2
		FOR UPDATE
	`, profileID, itemID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

func (t *pgTx) SetInventoryQuantity(ctx context.Context, profileID, itemID, qty int64) error {
	if qty <= 0 {
		_, err := t.tx.Exec(ctx, `
			DELETE FROM farm.inventory_items
			WHERE profile_id = $1 AND item_id = $2
		`, profileID, itemID)
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO farm.inventory_items (profile_id, item_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (profile_id, item_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, profileID, itemID, qty)
	if isPgCode(err, "23503") {
		return fmt.Errorf("%w: id=%d", ErrItemNotFound, itemID)
	}
	return err
}

func (t *pgTx) UpsertCategory(ctx context.Context, name string) (Category, error) {
	c := Category{Name: name}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO farm.item_categories (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&c.ID)
	return c, err
}

func (t *pgTx) UpsertShopItem(ctx context.Context, item ShopItem) (ShopItem, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO farm.shop_items (
			name, description, slug, price_coins, category_id,
			is_seed, is_harvest, grow_time_minutes, harvest_yield, harvest_item_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_coins = EXCLUDED.price_coins,
			category_id = EXCLUDED.category_id,
			is_seed = EXCLUDED.is_seed,
			is_harvest = EXCLUDED.is_harvest,
			grow_time_minutes = EXCLUDED.grow_time_minutes,
			harvest_yield = EXCLUDED.harvest_yield,
			harvest_item_id = EXCLUDED.harvest_item_id
		RETURNING id
	`, item.Name, item.Description, item.Slug, item.PriceCoins, item.Category.ID,
		item.IsSeed, item.IsHarvest, item.GrowTimeMinutes, item.HarvestYield, item.HarvestItemID).Scan(&id)
	if err != nil {
		return ShopItem{}, err
	}
	return t.ShopItemByID(ctx, id)
}

func (t *pgTx) UpsertSkill(ctx context.Context, s Skill) (Skill, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO farm.skills (
			code, name, max_level, base_exp, exp_growth,
			effect_name, effect_description, effect_value_per_level
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			max_level = EXCLUDED.max_level,
			base_exp = EXCLUDED.base_exp,
			exp_growth = EXCLUDED.exp_growth,
			effect_name = EXCLUDED.effect_name,
			effect_description = EXCLUDED.effect_description,
			effect_value_per_level = EXCLUDED.effect_value_per_level
		RETURNING id
	`, s.Code, s.Name, s.MaxLevel, s.BaseExp, s.ExpGrowth,
		s.EffectName, s.EffectDescription, s.EffectValuePerLevel).Scan(&s.ID)
	return s, err
}
