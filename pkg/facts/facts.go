// pkg/facts/facts.go - host facts for predicate evaluation and
// installation-state checks.
//
// The facts map is populated lazily and is stable for the life of a
// session: repeated calls return the same snapshot. Expensive inventories
// (installed packages, the application list) are gathered once.

package facts

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/micromdm/plist"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/version"
)

// execCommand is abstracted for testing.
var execCommand = exec.Command

// Application is one entry in the application inventory.
type Application struct {
	Name     string `plist:"name"`
	Path     string `plist:"path"`
	BundleID string `plist:"bundleid"`
	Version  string `plist:"version"`
}

// Collector gathers host facts once per session.
type Collector struct {
	once  sync.Once
	facts map[string]interface{}

	pkgsOnce sync.Once
	pkgs     map[string]string

	appsOnce sync.Once
	apps     []Application

	// AppDirs overrides the application search roots; tests point this
	// at a fixture directory.
	AppDirs []string
}

// NewCollector returns a Collector with the standard application roots.
func NewCollector() *Collector {
	return &Collector{
		AppDirs: []string{"/Applications", "/System/Applications"},
	}
}

// Facts returns the session-stable facts map.
func (c *Collector) Facts() map[string]interface{} {
	c.once.Do(func() {
		c.facts = c.gather()
	})
	return c.facts
}

// SetFact records a session-provided fact, such as the catalog list once
// the manifest has been resolved.
func (c *Collector) SetFact(key string, value interface{}) {
	c.Facts()[key] = value
}

func (c *Collector) gather() map[string]interface{} {
	facts := make(map[string]interface{})

	facts["date"] = time.Now()
	facts["munki_version"] = version.Current()

	if hostname, err := os.Hostname(); err == nil {
		facts["hostname"] = hostname
	}

	arch := systemArchitecture()
	facts["arch"] = arch
	facts["x86_64_capable"] = arch == "x86_64" || arch == "arm64"

	osVers := osVersion()
	facts["os_vers"] = osVers
	if parts := strings.SplitN(osVers, ".", 3); len(parts) > 0 {
		facts["os_vers_major"] = atoiSafe(parts[0])
		if len(parts) > 1 {
			facts["os_vers_minor"] = atoiSafe(parts[1])
		}
		if len(parts) > 2 {
			facts["os_vers_patch"] = atoiSafe(parts[2])
		}
	}

	if build, err := hostBuildVersion(); err == nil {
		facts["os_build_number"] = build
	}

	facts["machine_model"] = c.machineModel()
	facts["serial_number"] = c.serialNumber()
	facts["console_user"] = c.consoleUser()
	facts["ipv4_address"] = ipv4Addresses()
	facts["power_source"] = c.powerSource()

	facts["applications"] = c.Applications()
	facts["installed_packages"] = c.InstalledPackages()

	return facts
}

// InstalledPackages returns the package-id to installed-version mapping
// from the platform package database.
func (c *Collector) InstalledPackages() map[string]string {
	c.pkgsOnce.Do(func() {
		c.pkgs = c.queryInstalledPackages()
	})
	return c.pkgs
}

// Applications returns the enumerated application inventory.
func (c *Collector) Applications() []Application {
	c.appsOnce.Do(func() {
		c.apps = c.enumerateApplications()
	})
	return c.apps
}

// ApplicationByBundleID finds an inventoried application by bundle id.
func (c *Collector) ApplicationByBundleID(bundleID string) (Application, bool) {
	for _, app := range c.Applications() {
		if strings.EqualFold(app.BundleID, bundleID) {
			return app, true
		}
	}
	return Application{}, false
}

// ApplicationByName finds an inventoried application by name.
func (c *Collector) ApplicationByName(name string) (Application, bool) {
	for _, app := range c.Applications() {
		if strings.EqualFold(app.Name, name) {
			return app, true
		}
	}
	return Application{}, false
}

// OnACPower reports whether the host is on AC power. Battery-only hosts
// postpone power assertions.
func (c *Collector) OnACPower() bool {
	return c.powerSource() == "AC Power"
}

func systemArchitecture() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "arm64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}

func osVersion() string {
	info, err := host.Info()
	if err != nil || info.PlatformVersion == "" {
		logging.Warn("Unable to determine OS version", "error", err)
		return "0"
	}
	return info.PlatformVersion
}

func hostBuildVersion() (string, error) {
	out, err := execCommand("/usr/bin/sw_vers", "-buildVersion").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Collector) machineModel() string {
	out, err := execCommand("/usr/sbin/sysctl", "-n", "hw.model").Output()
	if err != nil {
		logging.Debug("Unable to read machine model", "error", err)
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func (c *Collector) serialNumber() string {
	out, err := execCommand("/usr/sbin/ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		logging.Debug("Unable to read platform serial number", "error", err)
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "IOPlatformSerialNumber") {
			if idx := strings.LastIndex(line, "= "); idx >= 0 {
				return strings.Trim(strings.TrimSpace(line[idx+2:]), `"`)
			}
		}
	}
	return ""
}

func (c *Collector) consoleUser() string {
	out, err := execCommand("/usr/bin/stat", "-f", "%Su", "/dev/console").Output()
	if err != nil {
		return ""
	}
	user := strings.TrimSpace(string(out))
	if user == "root" {
		// Nobody at the loginwindow.
		return ""
	}
	return user
}

func (c *Collector) powerSource() string {
	out, err := execCommand("/usr/bin/pmset", "-g", "ps").Output()
	if err != nil {
		return "unknown"
	}
	if bytes.Contains(out, []byte("AC Power")) {
		return "AC Power"
	}
	return "Battery Power"
}

func ipv4Addresses() []string {
	var addrs []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return addrs
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range ifaceAddrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipNet.IP.To4(); ip4 != nil {
					addrs = append(addrs, ip4.String())
				}
			}
		}
	}
	return addrs
}

// queryInstalledPackages asks pkgutil for every receipt on the host.
func (c *Collector) queryInstalledPackages() map[string]string {
	pkgs := make(map[string]string)
	out, err := execCommand("/usr/sbin/pkgutil", "--pkgs").Output()
	if err != nil {
		logging.Warn("Unable to enumerate installed packages", "error", err)
		return pkgs
	}
	for _, pkgid := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pkgid = strings.TrimSpace(pkgid)
		if pkgid == "" {
			continue
		}
		info, err := execCommand("/usr/sbin/pkgutil", "--pkg-info-plist", pkgid).Output()
		if err != nil {
			logging.Debug("pkgutil --pkg-info-plist failed", "pkgid", pkgid, "error", err)
			continue
		}
		var record struct {
			PkgVersion string `plist:"pkg-version"`
		}
		if err := plist.Unmarshal(info, &record); err != nil {
			logging.Debug("Unable to parse pkgutil output", "pkgid", pkgid, "error", err)
			continue
		}
		pkgs[pkgid] = record.PkgVersion
	}
	return pkgs
}

// enumerateApplications walks the application roots reading each bundle's
// Info.plist.
func (c *Collector) enumerateApplications() []Application {
	var apps []Application
	for _, dir := range c.AppDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".app") {
				continue
			}
			appPath := filepath.Join(dir, entry.Name())
			app, err := readAppBundle(appPath)
			if err != nil {
				logging.Debug("Unable to read app bundle", "path", appPath, "error", err)
				continue
			}
			apps = append(apps, app)
		}
	}
	return apps
}

// BundleInfo is the subset of a bundle Info.plist used for version checks.
type BundleInfo struct {
	CFBundleIdentifier         string `plist:"CFBundleIdentifier"`
	CFBundleName               string `plist:"CFBundleName"`
	CFBundleShortVersionString string `plist:"CFBundleShortVersionString"`
	CFBundleVersion            string `plist:"CFBundleVersion"`
}

// ReadBundleInfo loads the Info.plist for a bundle path, trying
// Contents/Info.plist then Resources/Info.plist.
func ReadBundleInfo(bundlePath string) (*BundleInfo, error) {
	var lastErr error
	for _, rel := range []string{
		filepath.Join("Contents", "Info.plist"),
		filepath.Join("Resources", "Info.plist"),
	} {
		data, err := os.ReadFile(filepath.Join(bundlePath, rel))
		if err != nil {
			lastErr = err
			continue
		}
		var info BundleInfo
		if err := plist.Unmarshal(data, &info); err != nil {
			lastErr = err
			continue
		}
		return &info, nil
	}
	return nil, lastErr
}

func readAppBundle(appPath string) (Application, error) {
	info, err := ReadBundleInfo(appPath)
	if err != nil {
		return Application{}, err
	}
	name := info.CFBundleName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(appPath), ".app")
	}
	appVersion := info.CFBundleShortVersionString
	if appVersion == "" {
		appVersion = info.CFBundleVersion
	}
	return Application{
		Name:     name,
		Path:     appPath,
		BundleID: info.CFBundleIdentifier,
		Version:  appVersion,
	}, nil
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
