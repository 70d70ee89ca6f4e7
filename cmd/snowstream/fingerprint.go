package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sensefleet/snowstream/internal/auth"
	"github.com/sensefleet/snowstream/internal/config"
)

var fingerprintFlags struct {
	configPath string
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the public key fingerprint for the configured key pair",
	Long: `Print the SHA256 fingerprint of the configured private key's public
half, in the form Snowflake records against the user
(RSA_PUBLIC_KEY_FP). Useful for verifying the key registration before
streaming.`,
	RunE: runFingerprint,
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)

	fingerprintCmd.Flags().StringVar(&fingerprintFlags.configPath, "config", getEnv("SNOWSTREAM_CONFIG", "snowflake-config.json"), "path to the connection config file")
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(fingerprintFlags.configPath)
	if err != nil {
		return err
	}
	if cfg.Mode() != config.AuthKeyPair {
		return fmt.Errorf("fingerprint requires key-pair authentication (private_key_file is not set)")
	}

	provider, err := auth.NewProvider(cfg, logger.Named("auth"))
	if err != nil {
		return err
	}

	fp, err := provider.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Println(fp)
	return nil
}
