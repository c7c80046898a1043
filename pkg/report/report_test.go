package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micromdm/plist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportSaveRoundTrip(t *testing.T) {
	rpt := NewReport()
	rpt.ManifestName = "site_default"
	rpt.MachineInfo = map[string]interface{}{"os_vers": "14.3.1"}
	rpt.ItemsToInstall = append(rpt.ItemsToInstall, map[string]interface{}{
		"name":               "Firefox",
		"display_name":       "Mozilla Firefox",
		"version_to_install": "128.0",
		"installer_item":     "Firefox-128.0.pkg",
	})
	rpt.ItemsToRemove = append(rpt.ItemsToRemove, map[string]interface{}{
		"name":             "OldTool",
		"uninstall_method": "removepackages",
	})
	rpt.RecordWarning("catalog testing not found")

	path := filepath.Join(t.TempDir(), "ManagedInstallReport.plist")
	require.NoError(t, rpt.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, plist.Unmarshal(data, &decoded))
	require.Len(t, decoded.ItemsToInstall, 1)
	assert.Equal(t, "Firefox", decoded.ItemsToInstall[0]["name"])
	require.Len(t, decoded.ItemsToRemove, 1)
	assert.Equal(t, []string{"catalog testing not found"}, decoded.Warnings)
	assert.False(t, decoded.EndTime.IsZero())
}

func TestLogReporterRecordsIntoReport(t *testing.T) {
	rpt := NewReport()
	rep := NewLogReporter(rpt)

	rep.Warning("item %s skipped", "AppA")
	rep.Error("download of %s failed", "AppB")

	assert.Equal(t, []string{"item AppA skipped"}, rpt.Warnings)
	assert.Equal(t, []string{"download of AppB failed"}, rpt.Errors)
}
