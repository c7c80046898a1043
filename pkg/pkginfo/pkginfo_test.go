package pkginfo

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/micromdm/plist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	// "Café" in decomposed form (e + combining acute) must match the
	// composed form a catalog might carry.
	decomposed := "Café"
	composed := "Café"
	assert.Equal(t, composed, NormalizeName(decomposed))
	assert.Equal(t, "Firefox", NormalizeName("Firefox"))
}

func TestIdentifier(t *testing.T) {
	item := &PkgInfo{Name: "Firefox", Version: " 128.0 "}
	assert.Equal(t, "Firefox-128.0", item.Identifier())
	assert.Equal(t, "128.0", item.TrimmedVersion())
}

func TestDisplayNameOrName(t *testing.T) {
	assert.Equal(t, "Mozilla Firefox",
		(&PkgInfo{Name: "Firefox", DisplayName: "Mozilla Firefox"}).DisplayNameOrName())
	assert.Equal(t, "Firefox", (&PkgInfo{Name: "Firefox"}).DisplayNameOrName())
}

func TestIsAppleItem(t *testing.T) {
	explicit := false
	assert.False(t, (&PkgInfo{
		Name: "macOSUpdate", AppleItem: &explicit,
		Receipts: []Receipt{{PackageID: "com.apple.pkg.Update"}},
	}).IsAppleItem(), "explicit apple_item wins over inference")

	assert.True(t, (&PkgInfo{
		Name:     "Safari",
		Receipts: []Receipt{{PackageID: "com.apple.pkg.Safari"}},
	}).IsAppleItem())

	assert.True(t, (&PkgInfo{
		Name: "InstallMacOS", InstallerType: TypeStartOSInstall,
	}).IsAppleItem())

	assert.False(t, (&PkgInfo{
		Name:     "Firefox",
		Receipts: []Receipt{{PackageID: "org.mozilla.firefox"}},
	}).IsAppleItem())
}

func TestStringOrListAcceptsScalarAndList(t *testing.T) {
	scalar := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>name</key><string>AppUpdate</string>
	<key>version</key><string>1.1</string>
	<key>update_for</key><string>App</string>
</dict>
</plist>
`)
	list := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>name</key><string>AppUpdate</string>
	<key>version</key><string>1.1</string>
	<key>update_for</key>
	<array><string>App</string><string>App-LTS</string></array>
</dict>
</plist>
`)

	var fromScalar, fromList PkgInfo
	require.NoError(t, plist.Unmarshal(scalar, &fromScalar))
	require.NoError(t, plist.Unmarshal(list, &fromList))

	assert.Equal(t, StringOrList{"App"}, fromScalar.UpdateFor)
	assert.Equal(t, StringOrList{"App", "App-LTS"}, fromList.UpdateFor)
}

func TestPkgInfoRoundTrip(t *testing.T) {
	orig := PkgInfo{
		Name: "Firefox", Version: "128.0",
		InstallerItemLocation: "apps/Firefox-128.0.pkg",
		InstallerItemHash:     "abc123",
		InstallerItemSize:     120_000,
		InstalledSize:         250_000,
		Requires:              StringOrList{"CertBundle"},
		UpdateFor:             StringOrList{"FirefoxESR"},
		MinimumOSVersion:      "12.0",
		Receipts: []Receipt{
			{PackageID: "org.mozilla.firefox", Version: "128.0"},
		},
		Installs: []InstallsItem{{
			Type: "application", Path: "/Applications/Firefox.app",
			CFBundleIdentifier:         "org.mozilla.firefox",
			CFBundleShortVersionString: "128.0",
		}},
		Uninstallable:   true,
		UninstallMethod: UninstallRemovePackages,
	}

	data, err := plist.MarshalIndent(&orig, "\t")
	require.NoError(t, err)

	var decoded PkgInfo
	require.NoError(t, plist.Unmarshal(data, &decoded))

	if diff := cmp.Diff(orig, decoded); diff != "" {
		t.Errorf("pkginfo changed across encode/decode (-want +got):\n%s", diff)
	}
}
