package main

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, loaded once at startup from
// guestmon.yaml (working directory or /etc/guestmon).
type Config struct {
	SocketPath          string   `mapstructure:"socket_path"`
	DataDir             string   `mapstructure:"data_dir"`
	WebListenAddr       string   `mapstructure:"web_listen_addr"`
	RulesDir            string   `mapstructure:"rules_dir"`
	GuestFSRoots        []string `mapstructure:"guestfs_roots"`
	KernelImage         string   `mapstructure:"kernel_image"`
	ImageCacheSize      int      `mapstructure:"image_cache_size"`
	TerminateOnSegfault bool     `mapstructure:"terminate_on_segfault"`
	TerminateOnTrap     bool     `mapstructure:"terminate_on_trap"`
	DropPrivileges      bool     `mapstructure:"drop_privileges"`
	Debug               bool     `mapstructure:"debug"`
}

func loadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("guestmon")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/guestmon")

	v.SetDefault("socket_path", "/var/run/guestmon.sock")
	v.SetDefault("data_dir", "data")
	v.SetDefault("web_listen_addr", ":8080")
	v.SetDefault("rules_dir", "rules")
	v.SetDefault("guestfs_roots", []string{})
	v.SetDefault("kernel_image", "vmlinux")
	v.SetDefault("image_cache_size", 256)
	v.SetDefault("terminate_on_segfault", true)
	v.SetDefault("terminate_on_trap", true)
	v.SetDefault("drop_privileges", false)
	v.SetDefault("debug", false)

	if err := v.ReadInConfig(); err != nil {
		// Defaults are a complete configuration; only a malformed file
		// is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	return &cfg, nil
}
