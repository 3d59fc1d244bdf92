package farm

import (
	"fmt"
	"time"
)

func shopItemView(it ShopItem) ShopItemView {
	v := ShopItemView{
		ID:              it.ID,
		Name:            it.Name,
		Description:     it.Description,
		Slug:            it.Slug,
		PriceCoins:      it.PriceCoins,
		Category:        CategoryView{ID: it.Category.ID, Name: it.Category.Name},
		IsSeed:          it.IsSeed,
		IsHarvest:       it.IsHarvest,
		GrowTimeMinutes: it.GrowTimeMinutes,
		HarvestYield:    it.HarvestYield,
		HarvestItem:     it.HarvestItemID,
	}
	if it.HarvestItem != nil {
		name, slug := it.HarvestItem.Name, it.HarvestItem.Slug
		v.HarvestName = &name
		v.HarvestSlug = &slug
	}
	return v
}

// cellView renders c as seen at now. A ready crop is presented under the
// harvest item's name and slug so clients can swap the sprite.
func cellView(c Cell, now time.Time) CellView {
	v := CellView{
		ID:        c.ID,
		Row:       c.Row,
		Col:       c.Col,
		PlantedAt: c.PlantedAt,
		IsReady:   c.IsReady(now),
	}
	if c.PlantedAt != nil && c.GrowDurationSeconds != nil {
		readyAt := c.PlantedAt.Add(time.Duration(*c.GrowDurationSeconds) * time.Second)
		remaining := int64(readyAt.Sub(now) / time.Second)
		if remaining < 0 {
			remaining = 0
		}
		v.ReadyAt = &readyAt
		v.RemainingSeconds = &remaining
	}

	seed := c.Item
	if seed == nil || !seed.IsSeed {
		return v
	}
	harvest := seed.HarvestItem
	if v.IsReady && harvest != nil {
		v.Plant = &PlantView{
			ID:              seed.ID,
			Name:            harvest.Name,
			Description:     fmt.Sprintf("x%d pcs. Sells for %d coins each.", seed.yield(), harvest.PriceCoins),
			GrowTimeMinutes: seed.GrowTimeMinutes,
			SeedPrice:       seed.PriceCoins,
			Slug:            harvest.Slug,
			Type:            "harvest",
			IsReady:         true,
		}
		desc := harvest.Description
		if desc == "" {
			desc = fmt.Sprintf("Sells for %d coins", harvest.PriceCoins)
		}
		v.Harvest = &HarvestView{
			ID:            harvest.ID,
			Name:          harvest.Name,
			Description:   desc,
			SellPrice:     harvest.PriceCoins,
			YieldQuantity: seed.yield(),
			ImageURL:      "/static/plants/" + harvest.Slug + ".png",
			Type:          "harvest",
		}
		return v
	}

	desc := seed.Description
	if desc == "" {
		desc = "Planted"
	}
	v.Plant = &PlantView{
		ID:              seed.ID,
		Name:            seed.Name,
		Description:     desc,
		GrowTimeMinutes: seed.GrowTimeMinutes,
		SeedPrice:       seed.PriceCoins,
		Slug:            seed.Slug,
		Type:            "seed",
	}
	return v
}
