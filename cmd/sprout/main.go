package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "sprout/internal/cli"
	"sprout/internal/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL
	apiFromEnv = cfg.APIBaseURLSet

	root := &cobra.Command{
		Use:          "sprout",
		Short:        "Sprout farming game client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newPingCmd(&apiBase),
		newRegisterCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(&apiBase),
		newMeCmd(&apiBase),
		newFieldCmd(&apiBase),
		newPlantCmd(&apiBase),
		newHarvestCmd(&apiBase),
		newShopCmd(&apiBase),
		newCategoriesCmd(&apiBase),
		newBuyCmd(&apiBase),
		newInventoryCmd(&apiBase),
		newMarketCmd(&apiBase),
		newSellCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		printError(fmt.Sprintf("error: %v", err))
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

// apiFromEnv is set when SPROUT_API_BASE_URL was given explicitly.
var apiFromEnv bool

// sessionKey picks the server whose session a command uses: the one named by
// --api or SPROUT_API_BASE_URL, otherwise "" for the last server logged in to.
func sessionKey(cmd *cobra.Command, apiBase string) string {
	if f := cmd.Flag("api"); (f != nil && f.Changed) || apiFromEnv {
		return cl.NormalizeBaseURL(apiBase)
	}
	return ""
}

// resolveBaseURL returns the server to talk to for a saved session.
func resolveBaseURL(key, fallback string, sess cl.Session) string {
	if key != "" {
		return key
	}
	if saved := cl.NormalizeBaseURL(sess.APIBaseURL); saved != "" {
		return saved
	}
	return cl.NormalizeBaseURL(fallback)
}

// newAuthedClient loads the saved session and persists refreshed tokens.
func newAuthedClient(cmd *cobra.Command, apiBase *string) (*cl.Client, error) {
	key := sessionKey(cmd, *apiBase)
	sess, err := cl.LoadSession(key)
	if err != nil {
		return nil, fmt.Errorf("login required: %w", err)
	}
	client := cl.NewClient(resolveBaseURL(key, *apiBase, sess))
	sess.APIBaseURL = client.BaseURL
	client.Session = &sess
	client.OnRefresh = cl.SaveSession
	return client, nil
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newPingCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the API is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Ping(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%v: %v", out["project"], out["message"]))
			return nil
		},
	}
}

func newRegisterCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create a farm account and log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			email, err := promptOptional("Email (optional)")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}

			ctx, cancel := withTimeout(cmd)
			defer cancel()
			client := newClient(apiBase)
			if _, err := client.Register(ctx, username, email, password); err != nil {
				return err
			}
			if err := login(ctx, client, username, password); err != nil {
				return err
			}
			printSuccess("Account created. Session saved.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to your farm",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := login(ctx, newClient(apiBase), username, password); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func login(ctx context.Context, client *cl.Client, username, password string) error {
	pair, err := client.Login(ctx, username, password)
	if err != nil {
		return err
	}
	return cl.SaveSession(cl.Session{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		Username:     username,
		APIBaseURL:   client.BaseURL,
	})
}

func newLogoutCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(sessionKey(cmd, *apiBase)); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newMeCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "me",
		Short:   "Show coins, level and skills",
		Aliases: []string{"profile"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			me, err := client.Me(ctx)
			if err != nil {
				return err
			}
			renderProfile(me)
			return nil
		},
	}
}

func newFieldCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "field",
		Short: "Show your field",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			cells, err := client.Cells(ctx)
			if err != nil {
				return err
			}
			renderField(cells)
			return nil
		},
	}
}

func newPlantCmd(apiBase *string) *cobra.Command {
	var autoBuy bool
	cmd := &cobra.Command{
		Use:   "plant ROW COL SEED",
		Short: "Plant a seed (id or slug) in a cell",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, col, err := parseCoords(args)
			if err != nil {
				return err
			}
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			seedID, err := resolveSeed(ctx, client, args[2])
			if err != nil {
				return err
			}
			res, err := client.Plant(ctx, row, col, seedID, autoBuy)
			if err != nil {
				return err
			}
			renderCellAction(res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoBuy, "auto-buy", false, "buy one seed when none are in inventory")
	return cmd
}

func newHarvestCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "harvest ROW COL",
		Short: "Harvest a ready cell",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, col, err := parseCoords(args)
			if err != nil {
				return err
			}
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Harvest(ctx, row, col)
			if err != nil {
				return err
			}
			renderCellAction(res)
			return nil
		},
	}
}

func newShopCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shop [seeds|harvest|CATEGORY]",
		Short: "Browse the shop",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			section := ""
			if len(args) == 1 {
				section = args[0]
			}
			items, err := client.Shop(ctx, section)
			if err != nil {
				return err
			}
			renderShop(items)
			return nil
		},
	}
}

func newCategoriesCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List shop categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			cats, err := client.Categories(ctx)
			if err != nil {
				return err
			}
			renderCategories(cats)
			return nil
		},
	}
}

func newBuyCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "buy ITEM_ID [QTY]",
		Short: "Buy items from the shop",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, qty, err := parseIDAndQty(args)
			if err != nil {
				return err
			}
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Buy(ctx, itemID, qty)
			if err != nil {
				return err
			}
			printSuccess(res.Message)
			fmt.Printf("Balance: %s coins\n", comma(res.CoinsBalance))
			return nil
		},
	}
}

func newInventoryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "inventory",
		Short:   "List everything you own",
		Aliases: []string{"inv"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			rows, err := client.Inventory(ctx)
			if err != nil {
				return err
			}
			renderInventory(rows)
			return nil
		},
	}
}

func newMarketCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "market",
		Short: "List harvest you can sell",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			rows, err := client.Market(ctx)
			if err != nil {
				return err
			}
			renderMarket(rows)
			return nil
		},
	}
}

func newSellCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sell INVENTORY_ID [QTY]",
		Short: "Sell items at the market",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			invID, qty, err := parseIDAndQty(args)
			if err != nil {
				return err
			}
			client, err := newAuthedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Sell(ctx, invID, qty)
			if err != nil {
				return err
			}
			printSuccess(res.Message)
			fmt.Printf("Balance: %s coins\n", comma(res.CoinsBalance))
			return nil
		},
	}
}

func resolveSeed(ctx context.Context, client *cl.Client, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	plants, err := client.Plants(ctx)
	if err != nil {
		return 0, err
	}
	ref = strings.ToLower(strings.TrimSpace(ref))
	for _, p := range plants {
		if p.Slug == ref || strings.EqualFold(p.Name, ref) {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown seed %q (see: sprout shop seeds)", ref)
}

func parseCoords(args []string) (int, int, error) {
	row, err := strconv.Atoi(args[0])
	if err != nil || row < 0 {
		return 0, 0, errors.New("ROW must be a whole number >= 0")
	}
	col, err := strconv.Atoi(args[1])
	if err != nil || col < 0 {
		return 0, 0, errors.New("COL must be a whole number >= 0")
	}
	return row, col, nil
}

func parseIDAndQty(args []string) (int64, int64, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, errors.New("ID must be a positive whole number")
	}
	qty := int64(1)
	if len(args) > 1 {
		qty, err = strconv.ParseInt(args[1], 10, 64)
		if err != nil || qty <= 0 {
			return 0, 0, errors.New("QTY must be a positive whole number")
		}
	}
	return id, qty, nil
}
