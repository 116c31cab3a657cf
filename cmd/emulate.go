// Handles the "mck emulate" command

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/serverlessresearch/mck/pkg/emulator"
	"github.com/spf13/cobra"
)

var emulateCmdConfig struct {
	addr    string
	certDir string
}

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Serve local S3, Azure Blob, Keystone and Swift endpoints",
	Long: `Run an in-memory emulator of S3, Azure Blob storage, Keystone and Swift.
Requests are authenticated with the keys and users in the emulator section of
the configuration. Contents are lost when it exits.

With --cert-dir it serves TLS, creating a CA in that directory on first use.
Point http.ca-dir at the same directory so clients trust it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mckManager.EmulatorConfig()
		if err != nil {
			return err
		}

		addr := emulateCmdConfig.addr
		if addr == "" {
			addr = mckManager.Cfg.GetString("emulator.addr")
		}
		certDir := emulateCmdConfig.certDir
		if certDir == "" {
			certDir = mckManager.Cfg.GetString("emulator.cert-dir")
		}
		if certDir, err = homedir.Expand(certDir); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		srv := emulator.New(mckManager.Logger.WithField("module", "emulator"), cfg)
		return srv.Serve(ctx, addr, certDir)
	},
}

func init() {
	rootCmd.AddCommand(emulateCmd)

	emulateCmd.Flags().StringVarP(&emulateCmdConfig.addr, "addr", "a", "", "listen address (default from emulator.addr)")
	emulateCmd.Flags().StringVar(&emulateCmdConfig.certDir, "cert-dir", "", "serve TLS with certificates kept here")
}
