package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values.
const (
	DefaultTimeoutNbd    = 10
	DefaultMaxDeviceWait = 30 * time.Second
	DefaultRetryInterval = 2 * time.Second
	DefaultTransport     = "ssh"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("timeout_nbd", DefaultTimeoutNbd)
	v.SetDefault("nbd.max_device_wait", DefaultMaxDeviceWait)
	v.SetDefault("nbd.retry_interval", DefaultRetryInterval)
	v.SetDefault("lock_path", "")
	v.SetDefault("root_helper", []string{})
	v.SetDefault("libvirt.remote_filesystem_transport", DefaultTransport)
	v.SetDefault("image_file_url.filesystems", []string{})
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.verbose", false)
	v.SetDefault("logging.debug", false)
}

// ApplyDefaults fills in zero values and normalizes the transport name.
func ApplyDefaults(cfg *Config) {
	if cfg.TimeoutNbd == 0 {
		cfg.TimeoutNbd = DefaultTimeoutNbd
	}

	if cfg.Nbd.MaxDeviceWait == 0 {
		cfg.Nbd.MaxDeviceWait = DefaultMaxDeviceWait
	}

	if cfg.Nbd.RetryInterval == 0 {
		cfg.Nbd.RetryInterval = DefaultRetryInterval
	}

	cfg.Libvirt.RemoteFilesystemTransport = strings.ToLower(cfg.Libvirt.RemoteFilesystemTransport)
	if cfg.Libvirt.RemoteFilesystemTransport == "" {
		cfg.Libvirt.RemoteFilesystemTransport = DefaultTransport
	}
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
