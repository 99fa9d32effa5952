package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/limitwatch/pkg/api"
	"github.com/uhyunpark/limitwatch/pkg/crypto"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := rootCmd()
	root.SetOut(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var apiURL string
	var asJSON bool

	cmd := &cobra.Command{
		Use:          "orderctl",
		Short:        "Manage limit orders on a running watcher",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api", envOr("WATCHER_API", "http://localhost:8080"), "watcher API base URL")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	client := func() *api.Client { return api.NewClient(apiURL) }
	out := func(cmd *cobra.Command, v interface{}, text func()) error {
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		text()
		return nil
	}

	cmd.AddCommand(
		cmdPlace(client, out),
		cmdList(client, out),
		cmdCancel(client, out),
		cmdRate(client, out),
		cmdQuote(client, out),
		cmdKeygen(),
	)
	return cmd
}

type clientFunc func() *api.Client
type outputFunc func(cmd *cobra.Command, v interface{}, text func()) error

func cmdPlace(client clientFunc, out outputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "place [owner] [AtoB|BtoA] [amount-in] [target-price]",
		Short: "Place a limit order",
		Long: `Place a limit order that swaps amount-in once the pool rate reaches
target-price (output tokens per input token). The order executes in full or
not at all. owner must be the watcher's signing address.

Examples:
  # Sell 10 A as soon as 1 A buys at least 2 B
  $ orderctl place 0xYourAddress AtoB 10 2.0`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := client().PlaceOrder(cmd.Context(), api.PlaceOrderRequest{
				Owner: args[0], Direction: args[1], AmountIn: args[2], TargetPrice: args[3],
			})
			if err != nil {
				return err
			}
			return out(cmd, o, func() {
				cmd.Println("=== Limit Order Placed ===")
				printOrder(cmd, o)
			})
		},
	}
}

func cmdList(client clientFunc, out outputFunc) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored orders in placement order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orders, err := client().ListOrders(cmd.Context(), status)
			if err != nil {
				return err
			}
			return out(cmd, orders, func() {
				if len(orders) == 0 {
					cmd.Println("no orders")
					return
				}
				for _, o := range orders {
					cmd.Printf("%s  %-9s  %s  %s @ %s  %s\n",
						o.ID, o.Status, o.Direction, o.AmountIn, o.TargetPrice, o.TxHash)
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, executed, cancelled)")
	return cmd
}

func cmdCancel(client clientFunc, out outputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [order-id]",
		Short: "Cancel a pending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := client().CancelOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return out(cmd, o, func() {
				cmd.Printf("order %s cancelled\n", o.ID)
			})
		},
	}
}

func cmdRate(client clientFunc, out outputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "rate",
		Short: "Show the current pool rate in both directions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := client().Rate(cmd.Context())
			if err != nil {
				return err
			}
			return out(cmd, r, func() {
				cmd.Printf("1 A = %s B\n", r.AtoBDisplay)
				cmd.Printf("1 B = %s A\n", r.BtoADisplay)
			})
		},
	}
}

func cmdQuote(client clientFunc, out outputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "quote [AtoB|BtoA] [amount-in]",
		Short: "Show the pool's expected fee for a swap",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := client().Quote(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return out(cmd, q, func() {
				cmd.Printf("Direction: %s\n", q.Direction)
				cmd.Printf("Amount in: %s\n", q.AmountIn)
				cmd.Printf("Fee: %s‰ (%s of input)\n", q.FeeRatePerMille, q.FeeAmount)
				cmd.Printf("Rate: %s\n", q.Rate)
			})
		},
	}
}

// cmdKeygen prints a fresh signing key for PRIVATE_KEY.
func cmdKeygen() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a watcher signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			cmd.Printf("Address: %s\n", signer.Address().Hex())
			cmd.Printf("PRIVATE_KEY=0x%s (KEEP SECRET!)\n", signer.PrivateKeyHex())
			return nil
		},
	}
}

func printOrder(cmd *cobra.Command, o api.OrderInfo) {
	cmd.Printf("ID: %s\n", o.ID)
	cmd.Printf("Owner: %s\n", o.Owner)
	cmd.Printf("Direction: %s\n", o.Direction)
	cmd.Printf("Amount in: %s\n", o.AmountIn)
	cmd.Printf("Target price: %s\n", o.TargetPrice)
	cmd.Printf("Placed: %s\n", time.UnixMilli(o.PlacedAt).UTC().Format(time.RFC3339))
	cmd.Printf("Status: %s\n", o.Status)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
