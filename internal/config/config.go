package config

import (
	"fmt"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Server    ServerConfig    `mapstructure:"server"`
	Provision ProvisionConfig `mapstructure:"provision"`
}

type PathsConfig struct {
	// ResourcesDir holds everything the app installs: the managed
	// runtime, per-engine environments, engine binaries, models, voices.
	ResourcesDir string `mapstructure:"resources_dir"`
}

type ServerConfig struct {
	// ListenAddr is loopback-only; the inference server is a private
	// control surface, not a network service.
	ListenAddr      string `mapstructure:"listen_addr"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	StartupTimeout  int    `mapstructure:"startup_timeout"`
	ShutdownDelayMS int    `mapstructure:"shutdown_delay_ms"`
}

type ProvisionConfig struct {
	DownloadIdleTimeout int `mapstructure:"download_idle_timeout"`
	// InstallerTimeoutMin bounds quick native installers; the compiler
	// toolchain uses ToolchainTimeoutMin instead, which is far larger.
	InstallerTimeoutMin int `mapstructure:"installer_timeout_min"`
	ToolchainTimeoutMin int `mapstructure:"toolchain_timeout_min"`
	VerifyRetries       int `mapstructure:"verify_retries"`
	VerifyRetryDelaySec int `mapstructure:"verify_retry_delay_sec"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			ResourcesDir: defaultResourcesDir(),
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:7851",
			RequestTimeout:  300,
			StartupTimeout:  60,
			ShutdownDelayMS: 500,
		},
		Provision: ProvisionConfig{
			DownloadIdleTimeout: 30,
			InstallerTimeoutMin: 15,
			ToolchainTimeoutMin: 60,
			VerifyRetries:       3,
			VerifyRetryDelaySec: 2,
		},
	}
}

func defaultResourcesDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return "resources"
	}
	return filepath.Join(home, ".bookvoice")
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("paths-resources-dir", defaults.Paths.ResourcesDir, "Directory holding installed runtimes, engines, and voices")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "Inference server loopback address")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request generation deadline in seconds")
	fs.Int("server-startup-timeout", defaults.Server.StartupTimeout, "Seconds to wait for the inference server to become healthy")
	fs.Int("server-shutdown-delay-ms", defaults.Server.ShutdownDelayMS, "Delay before process exit after /shutdown responds")
	fs.Int("provision-download-idle-timeout", defaults.Provision.DownloadIdleTimeout, "Seconds without data before a download is aborted")
	fs.Int("provision-installer-timeout-min", defaults.Provision.InstallerTimeoutMin, "Minutes before a native installer is killed")
	fs.Int("provision-toolchain-timeout-min", defaults.Provision.ToolchainTimeoutMin, "Minutes before the build-tools installer is killed")
	fs.Int("provision-verify-retries", defaults.Provision.VerifyRetries, "Post-install verification attempts")
	fs.Int("provision-verify-retry-delay-sec", defaults.Provision.VerifyRetryDelaySec, "Delay between verification attempts in seconds")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("BOOKVOICE")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("bookvoice")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.resources_dir", c.Paths.ResourcesDir)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.startup_timeout", c.Server.StartupTimeout)
	v.SetDefault("server.shutdown_delay_ms", c.Server.ShutdownDelayMS)
	v.SetDefault("provision.download_idle_timeout", c.Provision.DownloadIdleTimeout)
	v.SetDefault("provision.installer_timeout_min", c.Provision.InstallerTimeoutMin)
	v.SetDefault("provision.toolchain_timeout_min", c.Provision.ToolchainTimeoutMin)
	v.SetDefault("provision.verify_retries", c.Provision.VerifyRetries)
	v.SetDefault("provision.verify_retry_delay_sec", c.Provision.VerifyRetryDelaySec)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("paths.resources_dir", "paths-resources-dir")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.request_timeout", "server-request-timeout")
	v.RegisterAlias("server.startup_timeout", "server-startup-timeout")
	v.RegisterAlias("server.shutdown_delay_ms", "server-shutdown-delay-ms")
	v.RegisterAlias("provision.download_idle_timeout", "provision-download-idle-timeout")
	v.RegisterAlias("provision.installer_timeout_min", "provision-installer-timeout-min")
	v.RegisterAlias("provision.toolchain_timeout_min", "provision-toolchain-timeout-min")
	v.RegisterAlias("provision.verify_retries", "provision-verify-retries")
	v.RegisterAlias("provision.verify_retry_delay_sec", "provision-verify-retry-delay-sec")
}
