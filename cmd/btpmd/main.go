// Command btpmd is the Bluetooth platform manager daemon. It serves the CSC
// and 3D sync managers to client processes over the ipc bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/log"

	_ "github.com/lcx/btpm/db/sqlite"
)

type options struct {
	configDir string
	env       string
	listen    string
	adminAddr string
	simulate  bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("btpmd", pflag.ContinueOnError)
	fs.StringVarP(&opts.configDir, "config", "c", "./configs", "directory holding the yaml config files")
	fs.StringVar(&opts.env, "env", "production", "config sub-directory overriding the base files")
	fs.StringVarP(&opts.listen, "listen", "l", "", "ipc listen address, overrides ipcserver.addr")
	fs.StringVar(&opts.adminAddr, "admin", "", "admin http address, overrides btpmd.adminAddr")
	fs.BoolVar(&opts.simulate, "simulate", false, "connect simulated sensors and drive measurements")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		log.Error().Err(err).Msg("btpmd failed")
		log.Refresh()
		os.Exit(1)
	}
}

func run(opts *options) error {
	cm := config.GetInstance()
	cm.SetBasePath(opts.configDir)
	cm.SetEnvironment(opts.env)
	defer cm.Close()

	if err := log.InitializeWithConfigManager(cm); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Refresh()

	cfg, err := loadSettings(cm, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := newService(cm, cfg)
	if err := svc.start(ctx); err != nil {
		svc.stop()
		return err
	}
	notify(daemon.SdNotifyReady)
	log.Info().Bool("simulate", cfg.daemon.Simulate).Msg("btpmd ready")

	<-ctx.Done()
	log.Info().Msg("btpmd shutting down")
	notify(daemon.SdNotifyStopping)
	svc.stop()
	return nil
}

// notify is a no-op outside systemd.
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
