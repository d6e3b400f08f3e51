package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

const skipWireAnnotation = "placepool/skip-wire"

type rootOptions struct {
	configFile  string
	logLevel    string
	metricsFile string
}

func Execute() error {
	rootCmd, app := newRootCmd()
	err := rootCmd.Execute()
	return errors.Join(err, app.close())
}

func newRootCmd() (*cobra.Command, *app) {
	opts := &rootOptions{}
	app := &app{}

	rootCmd := &cobra.Command{
		Use:           "pp",
		Short:         "placepool (pp): pooled browser sessions for saved-place extraction",
		Long:          "pp keeps a bounded pool of reusable browser sessions in a shared store and extracts saved-place collections through them.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipWireAnnotation] == "true" {
				return nil
			}
			return app.wire(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Config file (default $HOME/.config/placepool/config.toml)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile on exit")

	rootCmd.AddCommand(
		newVersionCmd(),
		newPoolCmd(app),
		newScrapeCmd(app),
		newRunCmd(app),
	)

	return rootCmd, app
}
