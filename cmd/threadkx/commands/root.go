package commands

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"threadkx/internal/app"
	"threadkx/internal/domain"
)

var (
	home       string
	configFile string
	serverURL  string
	token      string
	passphrase string
	debugLevel string

	metricsListen string

	wire *app.Wire
)

const defaultHome = "~/.threadkx"

func Execute() error {
	root := &cobra.Command{
		Use:          "threadkx",
		Short:        "Secret chat key exchange client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				home = defaultHome
			}
			var err error
			if home, err = homedir.Expand(home); err != nil {
				return err
			}
			cfg := app.DefaultConfig(home)
			if configFile == "" {
				configFile = app.ConfigPath(home)
			} else if configFile, err = homedir.Expand(configFile); err != nil {
				return err
			}
			if err := app.LoadConfigFile(configFile, &cfg); err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.ServerURL = serverURL
			}
			if flags.Changed("token") {
				cfg.Token = token
			}
			if flags.Changed("debuglevel") {
				cfg.DebugLevel = debugLevel
			}
			if f := flags.Lookup("metrics-listen"); f != nil && f.Changed {
				cfg.MetricsListen = metricsListen
			}
			if passphrase == "" {
				passphrase = os.Getenv("THREADKX_PASSPHRASE")
			}
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p or THREADKX_PASSPHRASE)")
			}
			cfg.Passphrase = passphrase
			if cfg.Token == "" {
				return fmt.Errorf("no token configured. use --token or [server] token")
			}
			out := cmd.OutOrStdout()
			cfg.OnMessage = func(m domain.DecryptedMessage) { printMessage(out, m) }

			w, err := app.NewWire(cfg)
			if err != nil {
				return err
			}
			wire = w
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&home, "home", "", "state dir (default ~/.threadkx)")
	pf.StringVar(&configFile, "config", "", "config file (default <home>/threadkx.conf)")
	pf.StringVar(&serverURL, "server", "", "collaborator base URL (e.g. http://127.0.0.1:8080)")
	pf.StringVar(&token, "token", "", "bearer token of the local user")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local keys")
	pf.StringVar(&debugLevel, "debuglevel", "", "log levels, e.g. info or info,PUMP=debug")

	root.AddCommand(
		bootstrapCmd(),
		fingerprintCmd(),
		devicesCmd(),
		publishPrekeysCmd(),
		openCmd(),
		retryCmd(),
		statusCmd(),
		shareCmd(),
		linkCmd(),
		wipeKeyCmd(),
		sendCmd(),
		historyCmd(),
		runCmd(),
	)
	err := root.Execute()
	if wire != nil {
		if cerr := wire.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
