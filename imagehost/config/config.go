// Package config loads the imagehost configuration.
//
// Settings come from a YAML file and IMAGEHOST_ prefixed environment
// variables, for example IMAGEHOST_TIMEOUT_NBD=20 or
// IMAGEHOST_LIBVIRT_REMOTE_FILESYSTEM_TRANSPORT=rsync.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/canonical/imagehost/imagehost/image/download"
)

// Config is the full imagehost configuration.
type Config struct {
	// Number of one second polls for the nbd pid file after connecting.
	TimeoutNbd int `mapstructure:"timeout_nbd" yaml:"timeout_nbd" validate:"gt=0"`

	Nbd NbdConfig `mapstructure:"nbd" yaml:"nbd"`

	// Directory for the cross-process allocation lock. Empty keeps the lock
	// in-process only.
	LockPath string `mapstructure:"lock_path" yaml:"lock_path" validate:"omitempty,startswith=/"`

	// Command prefix for privileged commands, for example ["sudo"].
	RootHelper []string `mapstructure:"root_helper" yaml:"root_helper"`

	Libvirt LibvirtConfig `mapstructure:"libvirt" yaml:"libvirt"`

	ImageFileURL ImageFileURLConfig `mapstructure:"image_file_url" yaml:"image_file_url"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// NbdConfig controls nbd device allocation retries.
type NbdConfig struct {
	MaxDeviceWait time.Duration `mapstructure:"max_device_wait" yaml:"max_device_wait" validate:"gt=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" validate:"gt=0,ltefield=MaxDeviceWait"`
}

// LibvirtConfig holds the libvirt driver settings used here.
type LibvirtConfig struct {
	RemoteFilesystemTransport string `mapstructure:"remote_filesystem_transport" yaml:"remote_filesystem_transport" validate:"oneof=ssh rsync"`
}

// ImageFileURLConfig lists the shared filesystems for file URL downloads.
// Each name refers to an image_file_url:<name> section.
type ImageFileURLConfig struct {
	Filesystems []string `mapstructure:"filesystems" yaml:"filesystems" validate:"dive,required"`

	Sections []FilesystemConfig `mapstructure:"-" yaml:"sections,omitempty" validate:"dive"`
}

// FilesystemConfig is one image_file_url:<name> section.
type FilesystemConfig struct {
	Name       string `mapstructure:"-" yaml:"name"`
	ID         string `mapstructure:"id" yaml:"id"`
	Mountpoint string `mapstructure:"mountpoint" yaml:"mountpoint" validate:"omitempty,startswith=/"`
}

// LoggingConfig mirrors the --logfile, --verbose and --debug flags.
type LoggingConfig struct {
	File    string `mapstructure:"file" yaml:"file"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
	Debug   bool   `mapstructure:"debug" yaml:"debug"`
}

// DownloadSections returns the filesystem sections in the form the file
// transfer module takes.
func (c *Config) DownloadSections() []download.Section {
	sections := make([]download.Section, 0, len(c.ImageFileURL.Sections))
	for _, s := range c.ImageFileURL.Sections {
		sections = append(sections, download.Section{
			Name:       s.Name,
			ID:         s.ID,
			Mountpoint: s.Mountpoint,
		})
	}

	return sections
}

// Load reads the configuration at configPath. An empty path or a missing
// file yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("IMAGEHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be known for AutomaticEnv to reach them through Unmarshal.
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		err := v.ReadInConfig()
		if err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isNotExist(err) {
				return nil, fmt.Errorf("Failed reading config file %q: %w", configPath, err)
			}
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("Failed decoding config: %w", err)
	}

	cfg.ImageFileURL.Sections, err = loadSections(v, cfg.ImageFileURL.Filesystems)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)

	err = Validate(&cfg)
	if err != nil {
		return nil, fmt.Errorf("Invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadSections decodes the image_file_url:<name> section of each listed
// filesystem. A listed name without a section yields an empty entry, which
// the file transfer module reports as misconfigured.
func loadSections(v *viper.Viper, names []string) ([]FilesystemConfig, error) {
	sections := make([]FilesystemConfig, 0, len(names))
	for _, name := range names {
		section := FilesystemConfig{Name: name}

		raw := v.GetStringMap("image_file_url:" + name)
		if len(raw) > 0 {
			err := mapstructure.Decode(raw, &section)
			if err != nil {
				return nil, fmt.Errorf("Failed decoding section image_file_url:%s: %w", name, err)
			}
		}

		sections = append(sections, section)
	}

	return sections, nil
}
