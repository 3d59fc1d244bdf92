package farm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all state in process. Transactions run one at a time on a
// copy of the state which replaces the live one only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memState struct {
	seq        map[string]int64
	accounts   map[int64]Account
	profiles   map[int64]Profile
	categories map[int64]Category
	items      map[int64]ShopItem
	skills     map[int64]Skill
	userSkills map[int64]UserSkill
	cells      map[int64]Cell
	inventory  map[int64]InventoryItem
}

func newMemState() *memState {
	return &memState{
		seq:        map[string]int64{},
		accounts:   map[int64]Account{},
		profiles:   map[int64]Profile{},
		categories: map[int64]Category{},
		items:      map[int64]ShopItem{},
		skills:     map[int64]Skill{},
		userSkills: map[int64]UserSkill{},
		cells:      map[int64]Cell{},
		inventory:  map[int64]InventoryItem{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.seq {
		out.seq[k] = v
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.profiles {
		out.profiles[k] = v
	}
	for k, v := range s.categories {
		out.categories[k] = v
	}
	for k, v := range s.items {
		out.items[k] = storedItem(v)
	}
	for k, v := range s.skills {
		out.skills[k] = v
	}
	for k, v := range s.userSkills {
		out.userSkills[k] = v
	}
	for k, v := range s.cells {
		out.cells[k] = storedCell(v)
	}
	for k, v := range s.inventory {
		out.inventory[k] = v
	}
	return out
}

func (s *memState) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// storedItem strips resolved references and copies pointer fields so stored
// rows never alias values held by callers.
func storedItem(it ShopItem) ShopItem {
	it.Category = Category{ID: it.Category.ID}
	it.HarvestItem = nil
	it.GrowTimeMinutes = copyInt64(it.GrowTimeMinutes)
	it.HarvestYield = copyInt64(it.HarvestYield)
	it.HarvestItemID = copyInt64(it.HarvestItemID)
	return it
}

func storedCell(c Cell) Cell {
	c.Item = nil
	c.ShopItemID = copyInt64(c.ShopItemID)
	c.GrowDurationSeconds = copyInt64(c.GrowDurationSeconds)
	if c.PlantedAt != nil {
		t := *c.PlantedAt
		c.PlantedAt = &t
	}
	return c
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

type memTx struct {
	st *memState
}

func (t *memTx) CreateAccount(_ context.Context, username, email, passwordHash string) (Account, error) {
	for _, a := range t.st.accounts {
		if a.Username == username {
			return Account{}, ErrUsernameTaken
		}
	}
	a := Account{
		ID:           t.st.next("accounts"),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	t.st.accounts[a.ID] = a
	return a, nil
}

func (t *memTx) AccountByUsername(_ context.Context, username string) (Account, error) {
	for _, a := range t.st.accounts {
		if a.Username == username {
			return a, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (t *memTx) AccountByID(_ context.Context, id int64) (Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (t *memTx) EnsureProfile(_ context.Context, userID, starterCoins int64) (Profile, error) {
	if _, ok := t.st.accounts[userID]; !ok {
		return Profile{}, ErrAccountNotFound
	}
	for _, p := range t.st.profiles {
		if p.UserID == userID {
			return p, nil
		}
	}
	p := Profile{ID: t.st.next("profiles"), UserID: userID, CoinsBalance: starterCoins, Level: 1}
	t.st.profiles[p.ID] = p
	return p, nil
}

func (t *memTx) UpdateProfile(_ context.Context, p Profile) error {
	if _, ok := t.st.profiles[p.ID]; !ok {
		return fmt.Errorf("profile %d: %w", p.ID, ErrAccountNotFound)
	}
	if p.CoinsBalance < 0 || p.Exp < 0 || p.Level < 1 {
		return fmt.Errorf("profile %d: balance, exp and level must stay non-negative", p.ID)
	}
	t.st.profiles[p.ID] = p
	return nil
}

func (t *memTx) EnsureUserSkills(_ context.Context, userID int64) ([]UserSkill, error) {
	owned := map[int64]UserSkill{}
	for _, us := range t.st.userSkills {
		if us.UserID == userID {
			owned[us.Skill.ID] = us
		}
	}
	out := make([]UserSkill, 0, len(t.st.skills))
	for _, sk := range t.sortedSkills() {
		us, ok := owned[sk.ID]
		if !ok {
			us = UserSkill{ID: t.st.next("user_skills"), UserID: userID, Skill: Skill{ID: sk.ID}}
			t.st.userSkills[us.ID] = us
		}
		us.Skill = sk
		out = append(out, us)
	}
	return out, nil
}

func (t *memTx) sortedSkills() []Skill {
	out := make([]Skill, 0, len(t.st.skills))
	for _, sk := range t.st.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) UpdateUserSkill(_ context.Context, us UserSkill) error {
	cur, ok := t.st.userSkills[us.ID]
	if !ok {
		return fmt.Errorf("user skill %d not found", us.ID)
	}
	cur.Level = us.Level
	cur.Exp = us.Exp
	t.st.userSkills[us.ID] = cur
	return nil
}

func (t *memTx) ListCategories(_ context.Context) ([]Category, error) {
	out := make([]Category, 0, len(t.st.categories))
	for _, c := range t.st.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListShopItems(_ context.Context, f ShopFilter) ([]ShopItem, error) {
	out := make([]ShopItem, 0, len(t.st.items))
	for _, it := range t.st.items {
		if f.Seeds && !it.IsSeed {
			continue
		}
		if f.Harvest && !it.IsHarvest {
			continue
		}
		if f.Category != "" && t.st.categories[it.Category.ID].Name != f.Category {
			continue
		}
		out = append(out, t.resolveItem(it))
	}
	sort.Slice(out, func(i, j int) bool {
		if f.ByPrice && out[i].PriceCoins != out[j].PriceCoins {
			return out[i].PriceCoins < out[j].PriceCoins
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ShopItemByID(_ context.Context, id int64) (ShopItem, error) {
	it, ok := t.st.items[id]
	if !ok {
		return ShopItem{}, fmt.Errorf("%w: id=%d", ErrItemNotFound, id)
	}
	return t.resolveItem(it), nil
}

func (t *memTx) resolveItem(it ShopItem) ShopItem {
	it = storedItem(it)
	it.Category = t.st.categories[it.Category.ID]
	if it.HarvestItemID != nil {
		if h, ok := t.st.items[*it.HarvestItemID]; ok {
			h = storedItem(h)
			h.Category = t.st.categories[h.Category.ID]
			it.HarvestItem = &h
		} else {
			it.HarvestItemID = nil
		}
	}
	return it
}

func (t *memTx) ListCells(_ context.Context, ownerID int64) ([]Cell, error) {
	out := make([]Cell, 0)
	for _, c := range t.st.cells {
		if c.OwnerID == ownerID {
			out = append(out, t.resolveCell(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out, nil
}

func (t *memTx) EnsureCell(_ context.Context, ownerID int64, row, col int) (Cell, error) {
	for _, c := range t.st.cells {
		if c.OwnerID == ownerID && c.Row == row && c.Col == col {
			return t.resolveCell(c), nil
		}
	}
	c := Cell{ID: t.st.next("cells"), OwnerID: ownerID, Row: row, Col: col}
	t.st.cells[c.ID] = c
	return c, nil
}

func (t *memTx) resolveCell(c Cell) Cell {
	c = storedCell(c)
	if c.ShopItemID != nil {
		if it, ok := t.st.items[*c.ShopItemID]; ok {
			it = t.resolveItem(it)
			c.Item = &it
		} else {
			c.ShopItemID = nil
		}
	}
	return c
}

func (t *memTx) UpdateCell(_ context.Context, c Cell) error {
	if _, ok := t.st.cells[c.ID]; !ok {
		return fmt.Errorf("cell %d not found", c.ID)
	}
	t.st.cells[c.ID] = storedCell(c)
	return nil
}

func (t *memTx) ListInventory(_ context.Context, profileID int64, harvestOnly bool) ([]InventoryItem, error) {
	out := make([]InventoryItem, 0)
	for _, row := range t.st.inventory {
		if row.ProfileID != profileID || row.Quantity <= 0 {
			continue
		}
		row.Item = t.resolveItem(t.st.items[row.ItemID])
		if harvestOnly && !row.Item.IsHarvest {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InventoryByID(_ context.Context, profileID, id int64) (InventoryItem, error) {
	row, ok := t.st.inventory[id]
	if !ok || row.ProfileID != profileID {
		return InventoryItem{}, fmt.Errorf("%w: id=%d", ErrInventoryNotFound, id)
	}
	row.Item = t.resolveItem(t.st.items[row.ItemID])
	return row, nil
}

func (t *memTx) InventoryQuantity(_ context.Context, profileID, itemID int64) (int64, error) {
	if row, ok := t.inventoryRow(profileID, itemID); ok {
		return row.Quantity, nil
	}
	return 0, nil
}

func (t *memTx) inventoryRow(profileID, itemID int64) (InventoryItem, bool) {
	for _, row := range t.st.inventory {
		if row.ProfileID == profileID && row.ItemID == itemID {
			return row, true
		}
	}
	return InventoryItem{}, false
}

func (t *memTx) SetInventoryQuantity(_ context.Context, profileID, itemID, qty int64) error {
	if _, ok := t.st.items[itemID]; !ok {
		return fmt.Errorf("%w: id=%d", ErrItemNotFound, itemID)
	}
	row, ok := t.inventoryRow(profileID, itemID)
	switch {
	case qty <= 0 && ok:
		delete(t.st.inventory, row.ID)
	case qty <= 0:
	case ok:
		row.Quantity = qty
		t.st.inventory[row.ID] = row
	default:
		row = InventoryItem{ID: t.st.next("inventory"), ProfileID: profileID, ItemID: itemID, Quantity: qty}
		t.st.inventory[row.ID] = row
	}
	return nil
}

func (t *memTx) UpsertCategory(_ context.Context, name string) (Category, error) {
	if name == "" {
		return Category{}, errors.New("category name is required")
	}
	for _, c := range t.st.categories {
		if c.Name == name {
			return c, nil
		}
	}
	c := Category{ID: t.st.next("categories"), Name: name}
	t.st.categories[c.ID] = c
	return c, nil
}

func (t *memTx) UpsertShopItem(_ context.Context, item ShopItem) (ShopItem, error) {
	if item.Slug == "" {
		return ShopItem{}, errors.New("item slug is required")
	}
	item.ID = 0
	for _, cur := range t.st.items {
		if cur.Slug == item.Slug {
			item.ID = cur.ID
			break
		}
	}
	if item.ID == 0 {
		item.ID = t.st.next("shop_items")
	}
	t.st.items[item.ID] = storedItem(item)
	return t.resolveItem(t.st.items[item.ID]), nil
}

func (t *memTx) UpsertSkill(_ context.Context, s Skill) (Skill, error) {
	if s.Code == "" {
		return Skill{}, errors.New("skill code is required")
	}
	s.ID = 0
	for _, cur := range t.st.skills {
		if cur.Code == s.Code {
			s.ID = cur.ID
			break
		}
	}
	if s.ID == 0 {
		s.ID = t.st.next("skills")
	}
	t.st.skills[s.ID] = s
	return s, nil
}
