package farm

import (
	"context"
	"fmt"
)

const (
	CategorySeed     = "Seed"
	CategoryResource = "Resource"
	CategoryHarvest  = "Harvest"
	CategoryProduct  = "Product"
)

type cropSpec struct {
	seedSlug, seedName string
	seedPrice          int64
	growMinutes, yield int64
	cropSlug, cropName string
	cropPrice          int64
	seedDesc, cropDesc string
}

var defaultCrops = []cropSpec{
	{"wheat", "Wheat seeds", 5, 2, 2, "wheat-harvest", "Wheat", 4, "Fast and cheap, a good first crop.", "A sheaf of golden wheat."},
	{"carrot", "Carrot seeds", 10, 5, 2, "carrot-harvest", "Carrot", 8, "Grows underground, harvest in a few minutes.", "Crunchy orange carrot."},
	{"potato", "Potato seeds", 15, 10, 3, "potato-harvest", "Potato", 7, "Slow but generous.", "A handful of potatoes."},
	{"tomato", "Tomato seeds", 25, 15, 2, "tomato-harvest", "Tomato", 20, "Needs patience and sun.", "Ripe red tomato."},
	{"pumpkin", "Pumpkin seeds", 60, 45, 1, "pumpkin-harvest", "Pumpkin", 110, "Takes a while, sells for a lot.", "A giant pumpkin."},
}

var defaultSkills = []Skill{
	{
		Code:                FarmingSkillCode,
		Name:                "Farming",
		MaxLevel:            10,
		BaseExp:             50,
		ExpGrowth:           1.3,
		EffectName:          "growth_speed",
		EffectDescription:   "Reduces crop growth time by a percentage per level.",
		EffectValuePerLevel: 5,
	},
}

// SeedDefaults upserts the starter catalog: categories, seed/harvest pairs and
// skills. Running it again refreshes prices and descriptions in place.
func SeedDefaults(ctx context.Context, store Store) error {
	return store.InTx(ctx, func(tx Tx) error {
		cats := make(map[string]Category, 4)
		for _, name := range []string{CategorySeed, CategoryResource, CategoryHarvest, CategoryProduct} {
			c, err := tx.UpsertCategory(ctx, name)
			if err != nil {
				return fmt.Errorf("seed category %s: %w", name, err)
			}
			cats[name] = c
		}

		for _, spec := range defaultCrops {
			crop, err := tx.UpsertShopItem(ctx, ShopItem{
				Name:        spec.cropName,
				Description: spec.cropDesc,
				Slug:        spec.cropSlug,
				PriceCoins:  spec.cropPrice,
				Category:    cats[CategoryHarvest],
				IsHarvest:   true,
			})
			if err != nil {
				return fmt.Errorf("seed item %s: %w", spec.cropSlug, err)
			}
			grow, yield, cropID := spec.growMinutes, spec.yield, crop.ID
			if _, err := tx.UpsertShopItem(ctx, ShopItem{
				Name:            spec.seedName,
				Description:     spec.seedDesc,
				Slug:            spec.seedSlug,
				PriceCoins:      spec.seedPrice,
				Category:        cats[CategorySeed],
				IsSeed:          true,
				GrowTimeMinutes: &grow,
				HarvestYield:    &yield,
				HarvestItemID:   &cropID,
			}); err != nil {
				return fmt.Errorf("seed item %s: %w", spec.seedSlug, err)
			}
		}

		for _, sk := range defaultSkills {
			if _, err := tx.UpsertSkill(ctx, sk); err != nil {
				return fmt.Errorf("seed skill %s: %w", sk.Code, err)
			}
		}
		return nil
	})
}
