package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"betapp/internal/wallet"
)

func newWalletCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Balance top-ups and transaction history",
	}

	topUp := &cobra.Command{
		Use:   "topup <amount>",
		Short: "Add funds to the balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[0], 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive number, got %q", args[0])
			}
			result, err := a.wallet.TopUp(cmd.Context(), amount)
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", result)
			return nil
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "List recent wallet transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			txs, err := a.wallet.Transactions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				printf(cmd, "No transactions.\n")
				return nil
			}
			for _, tx := range txs {
				label := ""
				if tx.Label != nil {
					label = *tx.Label
				}
				printf(cmd, "%s  %-10s %10.2f  balance %10.2f  %s\n",
					tx.CreatedAt.Local().Format(timeLayout), tx.Type, tx.Amount, tx.BalanceAfter, label)
			}
			return nil
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", wallet.DefaultTransactionLimit, "max results")

	cmd.AddCommand(topUp, history)
	return cmd
}

func newBetsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bets",
		Short: "Browse, wager on and administer bets",
	}

	var status, title string
	list := &cobra.Command{
		Use:   "list",
		Short: "List bets with their options",
		RunE: func(cmd *cobra.Command, args []string) error {
			bets, err := a.wallet.Bets(cmd.Context(), wallet.BetStatus(strings.ToUpper(status)), title)
			if err != nil {
				return err
			}
			if len(bets) == 0 {
				printf(cmd, "No bets found.\n")
				return nil
			}
			for _, b := range bets {
				printf(cmd, "%s  %s [%s]\n", b.ID, b.Title, b.Status)
				for _, o := range b.Options {
					printf(cmd, "    %s  %-24s x%.2f\n", o.ID, o.Label, o.Odds)
				}
			}
			return nil
		},
	}
	list.Flags().StringVarP(&status, "status", "s", string(wallet.BetOpen), "filter by status (empty for all)")
	list.Flags().StringVarP(&title, "title", "t", "", "filter by title substring")

	wager := &cobra.Command{
		Use:   "wager <bet-id> <option-id> <stake>",
		Short: "Place a wager on one option of a bet",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stake, err := strconv.ParseFloat(args[2], 64)
			if err != nil || stake <= 0 {
				return fmt.Errorf("stake must be a positive number, got %q", args[2])
			}
			id, err := a.wallet.PlaceWager(cmd.Context(), args[0], args[1], stake)
			if err != nil {
				return err
			}
			printf(cmd, "wager %s placed\n", id)
			return nil
		},
	}

	var nb wallet.NewBet
	var options []string
	var closesIn time.Duration
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a bet with options (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			nb.Options = opts
			if closesIn > 0 {
				closes := time.Now().Add(closesIn).UTC()
				nb.ClosesAt = &closes
			}
			id, err := a.wallet.CreateBet(cmd.Context(), nb)
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", id)
			return nil
		},
	}
	create.Flags().StringVarP(&nb.Title, "title", "t", "", "bet title")
	create.Flags().StringVarP(&nb.Description, "description", "d", "", "bet description")
	create.Flags().StringVar(&nb.ImageURL, "image-url", "", "image shown with the bet")
	create.Flags().Float64Var(&nb.BaseCost, "base-cost", 0, "base cost")
	create.Flags().Float64Var(&nb.StakeMin, "stake-min", 1, "minimum stake")
	create.Flags().DurationVar(&closesIn, "closes-in", 0, "close the bet after this long")
	create.Flags().StringArrayVarP(&options, "option", "o", nil, "option as label=odds (repeatable)")

	setStatus := &cobra.Command{
		Use:   "status <bet-id> <DRAFT|OPEN|CLOSED|SETTLED|CANCELED>",
		Short: "Change a bet's status (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.wallet.SetBetStatus(cmd.Context(), args[0], wallet.BetStatus(strings.ToUpper(args[1])))
			if err != nil {
				return err
			}
			printf(cmd, "%s is now %s\n", b.ID, b.Status)
			return nil
		},
	}

	cmd.AddCommand(list, wager, create, setStatus)
	return cmd
}

func parseOptions(raw []string) ([]wallet.Option, error) {
	out := make([]wallet.Option, 0, len(raw))
	for _, r := range raw {
		label, oddsStr, ok := strings.Cut(r, "=")
		if !ok || strings.TrimSpace(label) == "" {
			return nil, fmt.Errorf("option %q must look like label=odds", r)
		}
		odds, err := strconv.ParseFloat(oddsStr, 64)
		if err != nil || odds <= 0 {
			return nil, fmt.Errorf("option %q has invalid odds", r)
		}
		out = append(out, wallet.Option{Label: strings.TrimSpace(label), Odds: odds})
	}
	return out, nil
}
