package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/oracle"
	"github.com/vitwit/nanopix/types"
)

var priceCmd = &cobra.Command{
	Use:   "price [symbol...]",
	Short: "Show fiat quotes for the native currencies",
	Long: `price fetches fiat quotes for POL, ETH, SOL and TRX, or for the symbols
given as arguments. Quotes are informational only.`,
	RunE: runPrice,
}

var priceCurrency string

func init() {
	priceCmd.Flags().StringVar(&priceCurrency, "currency", "usd", "fiat currency")
}

func runPrice(cmd *cobra.Command, args []string) error {
	opts := []oracle.Option{oracle.WithCurrencies(priceCurrency)}
	if cfg, err := loadConfig(); err == nil {
		opts = append(opts,
			oracle.WithLogger(logger.NewZapLogger(cfg.LogLevel)),
			oracle.WithRetries(uint64(cfg.RetryCount)),
		)
		if cfg.PriceAPI != "" {
			opts = append(opts, oracle.WithBaseURL(cfg.PriceAPI))
		}
	}
	o := oracle.New(opts...)

	symbols := o.Symbols()
	if len(args) > 0 {
		symbols = args
	}

	ctx, cancel := signalContext()
	defer cancel()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "SYMBOL\t%s\tFETCHED\n", strings.ToUpper(priceCurrency))
	var failed error
	for _, sym := range symbols {
		q, err := o.Quote(ctx, strings.ToUpper(sym))
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%s\n", strings.ToUpper(sym), types.ReasonOf(err))
			failed = err
			continue
		}
		price, ok := q.In(priceCurrency)
		if !ok {
			fmt.Fprintf(w, "%s\t-\tno %s quote\n", q.Symbol, priceCurrency)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", q.Symbol, price.StringFixed(4), q.FetchedAt.Format("15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return failed
}
