package coremain

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	C "github.com/pmkol/https-dns/constant"
	"github.com/pmkol/https-dns/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "https-dns",
	Short: "A DNS to DNS-over-HTTPS proxy.",
}

func init() {
	rootCmd.AddCommand(
		newStartCmd(),
		newServiceCmd(),
		newGenConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print out version info and exit.",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), C.Version)
			},
		},
	)
}

// flagKeys maps start command flags to config keys.
var flagKeys = map[string]string{
	"local-address":      "listen.addr",
	"upstream":           "upstream.url",
	"bootstrap-upstream": "upstream.bootstrap",
	"http3":              "upstream.http3",
	"api":                "api.http",
	"log-level":          "log.level",
}

func newStartCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir] [-l local_address] [-u upstream] [-b bootstrap_upstream]",
		Short: "Start the proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{cmd: cmd, f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(cmd, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	def := defaultConfig()
	fs.StringP("local-address", "l", def.Listen.Addr, "local udp address to listen on")
	fs.StringP("upstream", "u", "", "url of the DoH server (required)")
	fs.StringP("bootstrap-upstream", "b", "", "DoH endpoint used to resolve the upstream host")
	fs.Bool("http3", false, "query the upstream over HTTP/3")
	fs.String("api", "", "listen address of the admin http api")
	fs.String("log-level", def.Log.Level, "log level")
	return c
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(cmd *cobra.Command, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(cmd, sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	if len(fileUsed) > 0 {
		mlog.L().Info("config loaded", zap.String("file", fileUsed))
	}

	p, err := NewProxy(cfg)
	if err != nil {
		return fmt.Errorf("failed to start, %w", err)
	}
	if err := p.Run(); err != nil {
		return fmt.Errorf("https-dns exited, %w", err)
	}
	return nil
}

// loadConfig loads the config from filePath, flags of cmd and the
// HTTPS_DNS_* environment variables, in ascending order of priority. If
// filePath is empty, a file named "config" in the working directory is
// loaded if it exists.
func loadConfig(cmd *cobra.Command, filePath string) (*Config, string, error) {
	v := viper.New()
	v.SetEnvPrefix("HTTPS_DNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("listen.addr", def.Listen.Addr)
	v.SetDefault("upstream.timeout", def.Upstream.Timeout)
	v.SetDefault("cache.size", def.Cache.Size)
	v.SetDefault("cache.negative_ttl", def.Cache.NegativeTTL)
	v.SetDefault("cache.cleaner_interval", def.Cache.CleanerInterval)

	if cmd != nil {
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", err
				}
			}
		}
	}

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}
