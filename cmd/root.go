package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bnema/ssh-substituter/internal/application"
	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/version"
	"github.com/spf13/cobra"
)

const usageLine = "Usage: download-via-ssh --query|--substitute store-path dest-path"

func Execute(ctx context.Context) error {
	return execute(ctx, newRootCmd(wireApp))
}

// execute runs root and reports any error on its error stream, adding the
// usage line for malformed invocations.
func execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if err != nil {
		reportError(root.ErrOrStderr(), err)
	}
	return err
}

func reportError(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "error: %v\n", err)
	if errors.Is(err, domain.ErrUsage) {
		_, _ = fmt.Fprintln(w, usageLine)
	}
}

func newRootCmd(wire wireFunc) *cobra.Command {
	var (
		query      bool
		substitute bool
		configFile string
	)

	rootCmd := &cobra.Command{
		Use:   "download-via-ssh --query | --substitute store-path dest-path",
		Short: "Substitute Nix store paths from a remote store over ssh",
		Long: "download-via-ssh answers substituter queries and fetches store paths from the first " +
			"configured host by running `nix-store --serve` on it through ssh.",
		Version:       version.Version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := application.NewRequest(query, substitute, args)
			if err != nil {
				return err
			}

			app, err := wire(wireOptions{
				Context:    cmd.Context(),
				ConfigFile: configFile,
				Stderr:     cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer app.close()

			app.logger.Debug().Str("mode", req.Mode.String()).Msg("dispatch")
			return app.dispatcher.Run(cmd.Context(), req, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", domain.ErrUsage, err)
	})

	// The mode must lead: a positional stops flag parsing, so it surfaces
	// as an unknown command instead of a reordered request.
	flags := rootCmd.Flags()
	flags.SetInterspersed(false)
	flags.BoolVar(&query, "query", false, "answer have/info queries read from stdin")
	flags.BoolVar(&substitute, "substitute", false, "fetch store-path and restore it at dest-path")
	flags.StringVar(&configFile, "config", "", "config file (default ~/.config/ssh-substituter/config.toml)")

	return rootCmd
}
