package coremain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/https-dns/mlog"
)

var svcCfg = &service.Config{
	Name:        "https-dns",
	DisplayName: "https-dns",
	Description: "A DNS to DNS-over-HTTPS forwarding proxy.",
}

// svc is initialized by the service command.
var svc service.Service

type serverService struct {
	cmd *cobra.Command
	f   *serverFlags
	p   *Proxy
}

func (ss *serverService) Start(s service.Service) error {
	mlog.L().Info("starting service", zap.String("platform", s.Platform()))
	if len(ss.f.dir) > 0 {
		if err := os.Chdir(ss.f.dir); err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
	}
	cfg, _, err := loadConfig(ss.cmd, ss.f.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	p, err := NewProxy(cfg)
	if err != nil {
		return err
	}
	ss.p = p
	go func() {
		if err := p.Run(); err != nil {
			mlog.L().Fatal("proxy exited", zap.Error(err))
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	mlog.L().Info("service is shutting down")
	if ss.p != nil {
		ss.p.Close()
	}
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage https-dns as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcControlCmd("start", "Start the service."),
		newSvcControlCmd("stop", "Stop the service."),
		newSvcControlCmd("restart", "Restart the service."),
		newSvcStatusCmd(),
	)
	return serviceCmd
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install https-dns as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			args, err := svcStartArgs(sf)
			if err != nil {
				return err
			}
			svcCfg.Arguments = args
			s, err := service.New(&serverService{}, svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

// svcStartArgs returns the arguments of the installed service. Paths are
// made absolute because services don't inherit the working directory.
func svcStartArgs(sf *serverFlags) ([]string, error) {
	args := []string{"start", "--as-service"}
	dir := sf.dir
	if len(dir) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory, %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot solve absolute working dir path, %w", err)
	}
	args = append(args, "-d", dir)
	if len(sf.c) > 0 {
		cfgPath, err := filepath.Abs(sf.c)
		if err != nil {
			return nil, fmt.Errorf("cannot solve absolute config file path, %w", err)
		}
		args = append(args, "-c", cfgPath)
	}
	return args, nil
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall https-dns from system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Control(svc, action)
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of the service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), svcStatusString(s))
			return nil
		},
		SilenceUsage: true,
	}
}

func svcStatusString(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
