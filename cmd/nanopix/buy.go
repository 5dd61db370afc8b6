package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vitwit/nanopix/catalog"
	"github.com/vitwit/nanopix/clients"
	"github.com/vitwit/nanopix/session"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

var buyCmd = &cobra.Command{
	Use:   "buy <asset-id>",
	Short: "Pay for an asset and store its download token",
	Long: `buy connects a local key wallet, pays the asset's price to the merchant
of the chosen network, waits for confirmation and asks the storefront to
verify the payment. With --resume-tx an earlier payment is verified again
without signing a new transaction.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuy,
}

var (
	buyServer   string
	buyNetwork  string
	buyKey      string
	buyYes      bool
	buyResumeTx string
	tokensPath  string
)

func init() {
	buyCmd.Flags().StringVarP(&buyServer, "server", "s", "", "storefront URL; verifies in-process when empty")
	buyCmd.Flags().StringVarP(&buyNetwork, "network", "n", string(types.NetworkPolygon), "network to pay on")
	buyCmd.Flags().StringVar(&buyKey, "key", "", "wallet private key (or NANOPIX_KEY env)")
	buyCmd.Flags().BoolVarP(&buyYes, "yes", "y", false, "sign without asking")
	buyCmd.Flags().StringVar(&buyResumeTx, "resume-tx", "", "verify an already broadcast transaction")

	for _, c := range []*cobra.Command{buyCmd, downloadCmd} {
		c.Flags().StringVar(&tokensPath, "tokens", defaultTokensPath(), "download token cache file")
	}
}

func defaultTokensPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "nanopix-tokens.json"
	}
	return filepath.Join(dir, "nanopix", "tokens.json")
}

func runBuy(cmd *cobra.Command, args []string) error {
	sf, err := openStorefront()
	if err != nil {
		return err
	}
	defer sf.Close()

	network := types.Network(buyNetwork)
	if !sf.IsNetworkSupported(network) {
		return types.Errorf(types.ReasonChainUnsupported, "network %s is not configured", network)
	}
	asset, err := sf.Catalog().Lookup(args[0])
	if err != nil {
		return err
	}
	merchant, _ := sf.Merchant(network)

	tokens, err := session.NewTokenCache(tokensPath, nil)
	if err != nil {
		return err
	}
	if cached, ok := tokens.Get(asset.ID); ok && buyResumeTx == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "already purchased, token valid until %s\n", cached.ExpiresAt.Format("2006-01-02 15:04"))
		return nil
	}

	var verifier session.Verifier = sf.LocalVerifier()
	if buyServer != "" {
		verifier = session.NewHTTPVerifier(buyServer, nil, uint64(sf.Config().RetryCount))
	}
	manager := sf.Buyer(verifier, tokens)
	defer manager.Wait()

	ctx, cancel := signalContext()
	defer cancel()

	wallet, err := keyWallet(cmd, network)
	if err != nil {
		return err
	}
	payer, err := wallet.Connect(ctx)
	if err != nil {
		return err
	}
	observer := printProgress(cmd)

	var s *session.Session
	if buyResumeTx != "" {
		s, err = manager.Resume(ctx, session.ResumeRequest{
			AssetID: asset.ID,
			Wallet:  payer,
			Reference: &types.TransactionReference{
				ChainKind: network.Kind(),
				Network:   network,
				TxHash:    buyResumeTx,
			},
			Observer: observer,
		})
	} else {
		price, perr := catalog.MinorUnitPrice(asset, network)
		if perr != nil {
			return perr
		}
		params, _ := types.LookupNetwork(network)
		fmt.Fprintf(cmd.OutOrStdout(), "buying %q for %s %s on %s\n",
			asset.Title, utils.FromMinorUnits(price, params.Currency.Decimals), params.Currency.Symbol, params.ChainName)

		s, err = manager.Purchase(ctx, session.PurchaseRequest{
			Asset:    asset,
			Network:  network,
			Merchant: merchant,
			Wallet:   wallet,
			Observer: observer,
		})
	}
	if err != nil {
		return err
	}

	snap, err := s.Wait(ctx)
	if err != nil {
		if snap.Reference != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "transaction %s can be verified later with --resume-tx\n", snap.Reference.TxHash)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purchased %s, download with: nanopix download %s\n", asset.ID, asset.ID)
	return nil
}

func printProgress(cmd *cobra.Command) session.Observer {
	out := cmd.OutOrStdout()
	return func(s session.Snapshot) {
		switch s.State {
		case session.StateConfirming:
			fmt.Fprintf(out, "  %s %s\n", s.State, s.ExplorerURL)
		case session.StateFailed:
			fmt.Fprintf(out, "  %s: %s\n", s.Reason, s.Message)
		default:
			fmt.Fprintf(out, "  %s\n", s.State)
		}
	}
}

func keyWallet(cmd *cobra.Command, network types.Network) (clients.Wallet, error) {
	key := buyKey
	if key == "" {
		key = os.Getenv("NANOPIX_KEY")
	}
	if key == "" {
		return nil, types.Errorf(types.ReasonWalletUnavailable, "no wallet key: pass --key or set NANOPIX_KEY")
	}

	approve := clients.AutoApprove
	if !buyYes {
		approve = confirmOnTerminal(cmd)
	}

	params, ok := types.LookupNetwork(network)
	if !ok {
		return nil, types.Errorf(types.ReasonChainUnsupported, "unknown network %s", network)
	}
	switch params.Kind {
	case types.ChainEVM:
		return clients.NewEVMKeyWallet(key, params.ChainID, approve)
	case types.ChainSolana:
		return clients.NewSolanaKeyWallet(key, approve)
	case types.ChainTron:
		return clients.NewTronKeyWallet(key, approve)
	}
	return nil, types.Errorf(types.ReasonChainUnsupported, "no wallet for %s", params.Kind)
}

func confirmOnTerminal(cmd *cobra.Command) clients.ApproveFunc {
	return func(ctx context.Context, transfer *types.Transfer) error {
		intent := transfer.Intent
		params, _ := types.LookupNetwork(transfer.Network)
		fmt.Fprintf(cmd.OutOrStdout(), "send %s %s to %s? [y/N] ",
			utils.FromMinorUnits(intent.Amount, params.Currency.Decimals), params.Currency.Symbol, intent.MerchantAddress)

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("no answer: %w", err)
		}
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			return fmt.Errorf("declined")
		}
		return nil
	}
}

