package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Environment variables that override resolved paths.
const (
	EnvConfigPath = "FIELDSYNC_CONFIG"
	EnvDBPath     = "FIELDSYNC_DB_PATH"
)

const defaultProfile = "fieldsync"

// Paths locates the files owned by one profile.
type Paths struct {
	Profile    string
	ConfigPath string
	DataDir    string
	DBPath     string
	BlobDir    string
	// DBOverridden is set when DBPath came from a flag or the environment. It
	// wins over database.path in the config file.
	DBOverridden bool
}

// Options selects a profile and explicit overrides. Getenv defaults to os.Getenv.
type Options struct {
	AppName    string
	DevMode    bool
	ConfigPath string
	DBPath     string
	Getenv     func(string) string
}

// BaseDirs are the per-user roots a profile lives under.
type BaseDirs struct {
	Config string
	Data   string
}

// ProfileName returns the directory and database stem for a profile.
func ProfileName(appName string, devMode bool) string {
	name := strings.TrimSpace(appName)
	if name == "" {
		name = defaultProfile
	}
	if devMode {
		name += "-dev"
	}
	return name
}

// Resolve lays the profile out under the user's config and data dirs. Explicit
// options win over FIELDSYNC_CONFIG and FIELDSYNC_DB_PATH, which win over the
// layout.
func Resolve(opts Options) (Paths, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	base, err := userBaseDirs(runtime.GOOS, getenv)
	if err != nil {
		return Paths{}, err
	}
	paths, err := Layout(runtime.GOOS, getenv, base, ProfileName(opts.AppName, opts.DevMode))
	if err != nil {
		return Paths{}, err
	}
	if p := firstSet(opts.ConfigPath, getenv(EnvConfigPath)); p != "" {
		paths.ConfigPath = p
	}
	if p := firstSet(opts.DBPath, getenv(EnvDBPath)); p != "" {
		paths.DBPath = p
		paths.DBOverridden = true
	}
	return paths, nil
}

func userBaseDirs(goos string, getenv func(string) string) (BaseDirs, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return BaseDirs{}, fmt.Errorf("user config dir: %w", err)
	}
	base := BaseDirs{Config: configDir, Data: configDir}
	switch goos {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return BaseDirs{}, fmt.Errorf("user home dir: %w", err)
		}
		base.Data = filepath.Join(home, ".local", "share")
	case "windows":
		base.Data = firstSet(getenv("LOCALAPPDATA"), base.Data)
	}
	return base, nil
}

// Layout places a profile's config, database and photo cache under base. Linux
// honors XDG_CONFIG_HOME and XDG_DATA_HOME, windows APPDATA and LOCALAPPDATA;
// other platforms keep base as is.
func Layout(goos string, getenv func(string) string, base BaseDirs, profile string) (Paths, error) {
	if base.Config == "" || base.Data == "" {
		return Paths{}, errors.New("empty base dirs")
	}
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return Paths{}, errors.New("empty profile name")
	}
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	switch goos {
	case "linux":
		base.Config = firstSet(getenv("XDG_CONFIG_HOME"), base.Config)
		base.Data = firstSet(getenv("XDG_DATA_HOME"), base.Data)
	case "windows":
		base.Config = firstSet(getenv("APPDATA"), base.Config)
		base.Data = firstSet(getenv("LOCALAPPDATA"), base.Data)
	}

	dataDir := filepath.Join(base.Data, profile)
	return Paths{
		Profile:    profile,
		ConfigPath: filepath.Join(base.Config, profile, "config.toml"),
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, profile+".db"),
		BlobDir:    filepath.Join(dataDir, "blobs"),
	}, nil
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
