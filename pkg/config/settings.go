package config

import (
	"github.com/spf13/viper"
)

// Settings are the handful of supervisor-wide knobs read from
// /etc/finitd.conf, distinct from the per-service stanzas parsed by
// parser.go, loaded with viper.
type Settings struct {
	ServiceDirs     []string
	ConditionDir    string
	ControlSocket   string
	DefaultRunlevel int
}

// DefaultSettings returns the built-in defaults, used when no config file
// is present (e.g. an early-boot environment before /etc is mounted
// read-write).
func DefaultSettings() Settings {
	return Settings{
		ServiceDirs:     []string{"/etc/finitd.d"},
		ConditionDir:    "/run/finitd/cond",
		ControlSocket:   "/run/finitd/control.sock",
		DefaultRunlevel: 2,
	}
}

// LoadSettings reads /etc/finitd.conf (or the path given) via viper,
// overlaying onto DefaultSettings for any key it doesn't set.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("service_dirs", s.ServiceDirs)
	v.SetDefault("condition_dir", s.ConditionDir)
	v.SetDefault("control_socket", s.ControlSocket)
	v.SetDefault("default_runlevel", s.DefaultRunlevel)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return s, nil
		}
		return s, err
	}

	s.ServiceDirs = v.GetStringSlice("service_dirs")
	s.ConditionDir = v.GetString("condition_dir")
	s.ControlSocket = v.GetString("control_socket")
	s.DefaultRunlevel = v.GetInt("default_runlevel")
	return s, nil
}
