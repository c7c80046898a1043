// pkg/config/config.go - configuration settings for Capuchin.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the admin-managed preferences file.
const ConfigPath = "/Library/Managed Installs/Config.yaml"

// DefaultRepoURL is the insecure fallback when no repo URL is configured
// and auto-detection fails.
const DefaultRepoURL = "http://munki/repo"

// Configuration holds the configurable options for Capuchin in YAML format.
type Configuration struct {
	SoftwareRepoURL   string `yaml:"SoftwareRepoURL"`
	ManifestURL       string `yaml:"ManifestURL"`
	CatalogURL        string `yaml:"CatalogURL"`
	IconURL           string `yaml:"IconURL"`
	PackageURL        string `yaml:"PackageURL"`
	ClientResourceURL string `yaml:"ClientResourceURL"`
	LicenseInfoURL    string `yaml:"LicenseInfoURL"`

	ClientIdentifier        string `yaml:"ClientIdentifier"`
	ClientResourcesFilename string `yaml:"ClientResourcesFilename"`
	LocalOnlyManifest       string `yaml:"LocalOnlyManifest"`

	ManagedInstallDir string `yaml:"ManagedInstallDir"`
	LogLevel          string `yaml:"LogLevel"`

	InstallAppleSoftwareUpdates             bool `yaml:"InstallAppleSoftwareUpdates"`
	AppleSoftwareUpdatesOnly                bool `yaml:"AppleSoftwareUpdatesOnly"`
	SuppressAutoInstall                     bool `yaml:"SuppressAutoInstall"`
	SuppressLoginwindowInstall              bool `yaml:"SuppressLoginwindowInstall"`
	SuppressUserNotification                bool `yaml:"SuppressUserNotification"`
	ShowOptionalInstallsForHigherOSVersions bool `yaml:"ShowOptionalInstallsForHigherOSVersions"`
	PrecacheOptionalInstalls                bool `yaml:"PrecacheOptionalInstalls"`

	DaysBetweenNotifications  int `yaml:"DaysBetweenNotifications"`
	UnusedSoftwareRemovalDays int `yaml:"UnusedSoftwareRemovalDays"`

	FollowHTTPRedirects   string   `yaml:"FollowHTTPRedirects"`
	AdditionalHTTPHeaders []string `yaml:"AdditionalHttpHeaders"`

	Debug   bool `yaml:"Debug"`
	Verbose bool `yaml:"Verbose"`
}

// RunState holds mutable per-run bookkeeping, persisted separately so the
// admin-owned config file is never rewritten by the client.
type RunState struct {
	LastCheckDate       time.Time `yaml:"LastCheckDate"`
	LastCheckResult     int       `yaml:"LastCheckResult"`
	LastNotifiedDate    time.Time `yaml:"LastNotifiedDate"`
	PendingUpdateCount  int       `yaml:"PendingUpdateCount"`
	PendingUpdatesSince time.Time `yaml:"PendingUpdatesSince,omitempty"`
	OldestUpdateDays    int       `yaml:"OldestUpdateDays"`
	ForcedUpdateDueDate time.Time `yaml:"ForcedUpdateDueDate,omitempty"`
}

// GetDefaultConfig provides default configuration values.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		SoftwareRepoURL:          "",
		ClientIdentifier:         "",
		ManagedInstallDir:        "/Library/Managed Installs",
		LogLevel:                 "INFO",
		DaysBetweenNotifications: 1,
		FollowHTTPRedirects:      "none",
	}
}

// LoadConfig loads the configuration from the default YAML file, applying
// defaults for anything unset. A missing file yields the defaults.
func LoadConfig() (*Configuration, error) {
	return LoadConfigFrom(ConfigPath)
}

// LoadConfigFrom loads the configuration from an explicit path.
func LoadConfigFrom(path string) (*Configuration, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}
	if config.ManagedInstallDir == "" {
		config.ManagedInstallDir = "/Library/Managed Installs"
	}
	return config, nil
}

// SaveConfig saves the current configuration to a YAML file.
func SaveConfig(config *Configuration, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Derived paths under ManagedInstallDir.

// CachePath is where installer payloads are downloaded.
func (c *Configuration) CachePath() string {
	return filepath.Join(c.ManagedInstallDir, "Cache")
}

// CatalogsPath is the local catalog store.
func (c *Configuration) CatalogsPath() string {
	return filepath.Join(c.ManagedInstallDir, "catalogs")
}

// ManifestsPath is the local manifest store.
func (c *Configuration) ManifestsPath() string {
	return filepath.Join(c.ManagedInstallDir, "manifests")
}

// IconsPath is the local icon store.
func (c *Configuration) IconsPath() string {
	return filepath.Join(c.ManagedInstallDir, "icons")
}

// ClientResourcesPath is where client customization resources land.
func (c *Configuration) ClientResourcesPath() string {
	return filepath.Join(c.ManagedInstallDir, "client_resources")
}

// LogsPath is the base log directory.
func (c *Configuration) LogsPath() string {
	return filepath.Join(c.ManagedInstallDir, "Logs")
}

// InstallInfoPath is where the resolved action plan is written.
func (c *Configuration) InstallInfoPath() string {
	return filepath.Join(c.ManagedInstallDir, "InstallInfo.plist")
}

// ReportPath is where the session report is written.
func (c *Configuration) ReportPath() string {
	return filepath.Join(c.ManagedInstallDir, "ManagedInstallReport.plist")
}

// SelfServeManifestPath is the system copy of the self-serve manifest.
func (c *Configuration) SelfServeManifestPath() string {
	return filepath.Join(c.ManifestsPath(), "SelfServeManifest")
}

// ApplicationUsagePath is the usage-history record consulted for
// unused-software removals.
func (c *Configuration) ApplicationUsagePath() string {
	return filepath.Join(c.ManagedInstallDir, "application_usage.plist")
}

// RunStatePath is where mutable run bookkeeping is persisted.
func (c *Configuration) RunStatePath() string {
	return filepath.Join(c.ManagedInstallDir, "RunState.yaml")
}

// EnsureDirectories creates the working directories the client needs.
func (c *Configuration) EnsureDirectories() error {
	for _, path := range []string{
		c.CachePath(), c.CatalogsPath(), c.ManifestsPath(),
		c.IconsPath(), c.ClientResourcesPath(), c.LogsPath(),
	} {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", path, err)
		}
	}
	return nil
}

// LoadRunState reads the persisted run state, returning zero values when
// the file does not exist yet.
func LoadRunState(path string) (*RunState, error) {
	var state RunState
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &state, nil
}

// SaveRunState persists the run state.
func SaveRunState(state *RunState, path string) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
