package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vitwit/nanopix/session"
)

var downloadCmd = &cobra.Command{
	Use:   "download <asset-id>",
	Short: "Download a purchased asset with its stored token",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var (
	downloadServer string
	downloadOut    string
)

func init() {
	downloadCmd.Flags().StringVarP(&downloadServer, "server", "s", "http://localhost:8080", "storefront URL")
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "output file (defaults to the asset id)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	assetID := args[0]
	tokens, err := session.NewTokenCache(tokensPath, nil)
	if err != nil {
		return err
	}

	out := downloadOut
	if out == "" {
		out = filepath.Base(assetID)
	}
	tmp := out + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := session.NewDownloader(downloadServer, nil, tokens).Download(ctx, assetID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, out)
	return nil
}
