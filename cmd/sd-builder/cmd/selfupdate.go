package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/sd-builder/internal/service/selfupdate"
)

// selfUpdateCmd replaces the running binary with the latest release.
var selfUpdateCmd = &cobra.Command{
	Use:   "self-update",
	Short: "Update sd-builder to the latest published release.",
	Long: `Download the latest sd-builder release for this platform and replace the
running executable with it. The download is verified against the
release checksum list when one is published. The update refuses to run
while a build holds the run lock.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Setup graceful shutdown handling.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		applyLogLevel(ctx)

		flags := cmd.Flags()

		cfg, err := loadSettings(ctx, settingsPath, flags.Changed("settings"))
		if err != nil {
			return err
		}

		if flags.Changed("cache-dir") {
			cfg.CacheDir = cacheDir
		}

		if flags.Changed("token-file") {
			cfg.TokenFile = tokenFile
		}

		cfg.Token = readToken(ctx, cfg.TokenFile)

		return selfupdate.Run(ctx, &selfupdate.Options{Config: cfg})
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(selfUpdateCmd)
}
