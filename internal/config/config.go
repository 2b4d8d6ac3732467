// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

// Package config layers command line flags, an optional config file
// and BAMCAN_* environment variables into the loader settings.
//
// Flags that were set on the command line win over the environment,
// the environment over the file, and the file over the defaults.
// Environment variables use the prefix BAMCAN with `.` and `-`
// replaced by `_`, for example BAMCAN_SERIAL_SPEED=921600 or
// BAMCAN_TARGET_DATA_ID=0x23.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tillitis/bamcan/bam"
	"github.com/tillitis/bamcan/canbus"
)

const (
	DefaultSocketCANChannel = "can0"
	DefaultVirtualChannel   = "bamsim"
)

// Config holds everything needed to talk to one BAM target.
type Config struct {
	Interface   string        `mapstructure:"interface"`
	Channel     string        `mapstructure:"channel"`
	Bitrate     int           `mapstructure:"bitrate"`
	SerialSpeed int           `mapstructure:"serial-speed"`
	Password    string        `mapstructure:"password"`
	Timeout     time.Duration `mapstructure:"timeout"`

	Target TargetConfig `mapstructure:"target"`
}

// TargetConfig is the file form of bam.Target. LoadAddress is the
// address as a number, sent big endian.
type TargetConfig struct {
	Name           string `mapstructure:"name"`
	PasswordID     uint32 `mapstructure:"password_id"`
	PasswordEchoID uint32 `mapstructure:"password_echo_id"`
	AddressID      uint32 `mapstructure:"address_id"`
	AddressEchoID  uint32 `mapstructure:"address_echo_id"`
	DataID         uint32 `mapstructure:"data_id"`
	DataEchoID     uint32 `mapstructure:"data_echo_id"`
	LoadAddress    uint32 `mapstructure:"load_address"`
	VLE            bool   `mapstructure:"vle"`
}

// Default returns the settings of a MPC56xx on SocketCAN at 500
// kbit/s. The channel is left empty; validation picks one per
// interface.
func Default() *Config {
	t := bam.MPC56xx

	return &Config{
		Interface:   canbus.SocketCAN,
		Bitrate:     500000,
		SerialSpeed: canbus.SerialSpeed,
		Password:    fmt.Sprintf("%016X", bam.DefaultPassword),
		Timeout:     bam.DefaultTimeout,
		Target: TargetConfig{
			Name:           t.Name,
			PasswordID:     t.PasswordID,
			PasswordEchoID: t.PasswordEchoID,
			AddressID:      t.AddressID,
			AddressEchoID:  t.AddressEchoID,
			DataID:         t.DataID,
			DataEchoID:     t.DataEchoID,
			LoadAddress:    binary.BigEndian.Uint32(t.LoadAddress[:]),
			VLE:            t.VLE,
		},
	}
}

// Load reads the config file at path, or searches for bamcan.yaml (or
// .toml, .json) in the working directory and in ~/.config/bamcan if
// path and BAMCAN_CONFIG are both empty. A missing file is only an
// error when it was named explicitly. Flags in flags override the file
// when they were changed on the command line; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v, err := newViper(cfg, flags)
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("BAMCAN_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bamcan")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "bamcan"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// flagKeys are the settings that may come from command line flags.
// Other flags, like --config, are not settings.
var flagKeys = []string{"interface", "channel", "bitrate", "serial-speed", "password", "timeout"}

func newViper(cfg *Config, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("BAMCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Every key needs a default for the environment to reach it.
	v.SetDefault("interface", cfg.Interface)
	v.SetDefault("channel", cfg.Channel)
	v.SetDefault("bitrate", cfg.Bitrate)
	v.SetDefault("serial-speed", cfg.SerialSpeed)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("target.name", cfg.Target.Name)
	v.SetDefault("target.password_id", cfg.Target.PasswordID)
	v.SetDefault("target.password_echo_id", cfg.Target.PasswordEchoID)
	v.SetDefault("target.address_id", cfg.Target.AddressID)
	v.SetDefault("target.address_echo_id", cfg.Target.AddressEchoID)
	v.SetDefault("target.data_id", cfg.Target.DataID)
	v.SetDefault("target.data_echo_id", cfg.Target.DataEchoID)
	v.SetDefault("target.load_address", cfg.Target.LoadAddress)
	v.SetDefault("target.vle", cfg.Target.VLE)

	if flags == nil {
		return v, nil
	}
	for _, key := range flagKeys {
		f := flags.Lookup(key)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	return v, nil
}

func (c *Config) validate() error {
	c.Interface = strings.ToLower(strings.TrimSpace(c.Interface))

	switch c.Interface {
	case canbus.SocketCAN:
		if c.Channel == "" {
			c.Channel = DefaultSocketCANChannel
		}

	case canbus.Virtual:
		if c.Channel == "" {
			c.Channel = DefaultVirtualChannel
		}

	case canbus.SLCAN:
		// An empty channel means auto-detection of the adapter.

	default:
		return fmt.Errorf("invalid interface %q: %w", c.Interface, canbus.ErrUnknownInterface)
	}

	if c.Bitrate <= 0 {
		return fmt.Errorf("invalid bitrate: %d", c.Bitrate)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %v", c.Timeout)
	}

	if _, err := c.BAMTarget(); err != nil {
		return err
	}

	return nil
}

// Bus returns the bus configuration, which opens a fresh connection on
// every call to Open.
func (c *Config) Bus() canbus.Config {
	return canbus.Config{
		Interface:   c.Interface,
		Channel:     c.Channel,
		Bitrate:     c.Bitrate,
		SerialSpeed: c.SerialSpeed,
	}
}

// BAMTarget returns the protocol table described by the target
// section.
func (c *Config) BAMTarget() (bam.Target, error) {
	t := bam.Target{
		Name:           c.Target.Name,
		PasswordID:     c.Target.PasswordID,
		PasswordEchoID: c.Target.PasswordEchoID,
		AddressID:      c.Target.AddressID,
		AddressEchoID:  c.Target.AddressEchoID,
		DataID:         c.Target.DataID,
		DataEchoID:     c.Target.DataEchoID,
		VLE:            c.Target.VLE,
	}
	binary.BigEndian.PutUint32(t.LoadAddress[:], c.Target.LoadAddress)

	if err := t.Validate(); err != nil {
		return bam.Target{}, err
	}

	return t, nil
}
