package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"sprout/internal/farm"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

var (
	cellBase = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Width(14).
			Height(2).
			Align(lipgloss.Center)
	cellEmpty   = cellBase.BorderForeground(lipgloss.Color("240")).Foreground(lipgloss.Color("245"))
	cellGrowing = cellBase.BorderForeground(lipgloss.Color("3"))
	cellReady   = cellBase.BorderForeground(lipgloss.Color("10")).Bold(true)
	axisStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword hides input on a terminal and falls back to a plain read
// when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderProfile(p farm.ProfileView) {
	accent.Printf("\n== %s ==\n", p.Username)
	if p.Email != "" {
		fmt.Printf("Email:   %s\n", p.Email)
	}
	fmt.Printf("Coins:   %s\n", comma(p.CoinsBalance))
	fmt.Printf("Level:   %d (%d/%d exp)\n", p.Level, p.Exp, p.Level*farm.ProfileLevelExpStep)

	fmt.Println()
	accent.Println("Skills")
	if len(p.Skills) == 0 {
		printInfo("No skills yet.")
		return
	}
	fmt.Printf("%-12s %6s %8s %10s  %s\n", "SKILL", "LEVEL", "EXP", "TO NEXT", "EFFECT")
	for _, s := range p.Skills {
		next := strconv.FormatInt(s.ExpToNext, 10)
		if s.Level >= s.MaxLevel {
			next = "max"
		}
		fmt.Printf("%-12s %3d/%-2d %8d %10s  %s %.0f%%/level\n",
			truncate(s.Name, 12), s.Level, s.MaxLevel, s.Exp, next, s.EffectName, s.EffectValuePerLevel)
	}
	fmt.Println()
}

// fieldGrid lays cells out by row and col. Coordinates with no cell render empty.
func fieldGrid(cells []farm.CellView, now time.Time) string {
	if len(cells) == 0 {
		return ""
	}
	maxRow, maxCol := 0, 0
	byPos := make(map[[2]int]farm.CellView, len(cells))
	for _, c := range cells {
		byPos[[2]int{c.Row, c.Col}] = c
		maxRow = max(maxRow, c.Row)
		maxCol = max(maxCol, c.Col)
	}

	header := []string{axisStyle.Width(4).Render("")}
	for col := 0; col <= maxCol; col++ {
		header = append(header, axisStyle.Width(16).Align(lipgloss.Center).Render(strconv.Itoa(col)))
	}
	rows := []string{lipgloss.JoinHorizontal(lipgloss.Top, header...)}
	for row := 0; row <= maxRow; row++ {
		line := []string{axisStyle.Width(4).PaddingTop(1).Render(strconv.Itoa(row))}
		for col := 0; col <= maxCol; col++ {
			c, ok := byPos[[2]int{row, col}]
			if !ok {
				line = append(line, cellEmpty.Render("·"))
				continue
			}
			line = append(line, renderCell(c, now))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, line...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func renderCell(c farm.CellView, now time.Time) string {
	switch {
	case c.Plant == nil:
		return cellEmpty.Render("empty")
	case c.IsReady:
		return cellReady.Render(truncate(c.Plant.Name, 14) + "\nready")
	default:
		return cellGrowing.Render(truncate(c.Plant.Name, 14) + "\n" + remainingText(c, now))
	}
}

func remainingText(c farm.CellView, now time.Time) string {
	if c.ReadyAt != nil {
		if d := c.ReadyAt.Sub(now); d > 0 {
			return formatDuration(d)
		}
		return "ready"
	}
	if c.RemainingSeconds != nil {
		return formatDuration(time.Duration(*c.RemainingSeconds) * time.Second)
	}
	return "growing"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func renderField(cells []farm.CellView) {
	if len(cells) == 0 {
		printInfo("Your field is empty. Plant something: sprout plant ROW COL SEED --auto-buy")
		return
	}
	fmt.Println(fieldGrid(cells, time.Now()))
}

func renderCellAction(res farm.CellActionResult) {
	if res.HarvestAdded != nil {
		printSuccess(fmt.Sprintf("Harvested %dx %s (+%d exp)", res.HarvestAdded.Quantity, res.HarvestAdded.Item, res.HarvestAdded.ExpGained))
		if res.Profile != nil {
			fmt.Printf("Level %d, %d exp, %s coins\n", res.Profile.Level, res.Profile.Exp, comma(res.Profile.CoinsBalance))
		}
		return
	}
	name := "seed"
	if res.Cell.Plant != nil {
		name = res.Cell.Plant.Name
	}
	printSuccess(fmt.Sprintf("Planted %s at (%d,%d)", name, res.Cell.Row, res.Cell.Col))
	if res.Message != "" {
		printInfo(res.Message)
	}
	if g := res.GrowthBonus; g != nil {
		fmt.Printf("Grows in %.1f min (base %d min, -%.0f%% from farming level %d)\n",
			g.FinalMinutes, g.OriginalMinutes, g.PercentReduction, g.SkillLevel)
	}
	if res.SeedsRemaining != nil {
		fmt.Printf("Seeds left: %d\n", *res.SeedsRemaining)
	}
}

func renderShop(items []farm.ShopItemView) {
	if len(items) == 0 {
		printInfo("Nothing for sale here.")
		return
	}
	fmt.Printf("%-5s %-20s %-10s %8s %8s %6s  %s\n", "ID", "NAME", "CATEGORY", "PRICE", "GROWS", "YIELD", "HARVEST")
	for _, it := range items {
		grows, yield, harvest := "-", "-", "-"
		if it.GrowTimeMinutes != nil {
			grows = fmt.Sprintf("%dm", *it.GrowTimeMinutes)
		}
		if it.HarvestYield != nil {
			yield = strconv.FormatInt(*it.HarvestYield, 10)
		}
		if it.HarvestName != nil {
			harvest = *it.HarvestName
		}
		fmt.Printf("%-5d %-20s %-10s %8s %8s %6s  %s\n",
			it.ID, truncate(it.Name, 20), truncate(it.Category.Name, 10), comma(it.PriceCoins), grows, yield, harvest)
	}
}

func renderCategories(cats []farm.CategoryView) {
	if len(cats) == 0 {
		printInfo("No categories yet.")
		return
	}
	fmt.Print(formatCategories(cats))
	printInfo("Browse one with: sprout shop CATEGORY")
}

func formatCategories(cats []farm.CategoryView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s\n", "ID", "NAME")
	for _, c := range cats {
		fmt.Fprintf(&b, "%-5d %s\n", c.ID, c.Name)
	}
	return b.String()
}

func renderInventory(rows []farm.InventoryView) {
	if len(rows) == 0 {
		printInfo("Inventory is empty.")
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Item.Name < rows[j].Item.Name })
	fmt.Printf("%-5s %-20s %-10s %8s\n", "ID", "ITEM", "CATEGORY", "QTY")
	for _, r := range rows {
		fmt.Printf("%-5d %-20s %-10s %8d\n", r.ID, truncate(r.Item.Name, 20), truncate(r.Item.Category.Name, 10), r.Quantity)
	}
}

func renderMarket(rows []farm.MarketItemView) {
	if len(rows) == 0 {
		printInfo("Nothing to sell. Harvest some crops first.")
		return
	}
	fmt.Printf("%-5s %-20s %8s %8s %10s\n", "ID", "ITEM", "PRICE", "QTY", "WORTH")
	for _, r := range rows {
		fmt.Printf("%-5d %-20s %8s %8d %10s\n", r.ID, truncate(r.Name, 20), comma(r.SellPriceCoins), r.Quantity, success.Sprint(comma(r.SellPriceCoins*r.Quantity)))
	}
}

func comma(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	b.WriteString(sign)
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
