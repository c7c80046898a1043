package predicates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFacts() map[string]interface{} {
	return map[string]interface{}{
		"hostname":       "lab-mac-042",
		"os_vers":        "14.3.1",
		"os_vers_major":  14,
		"arch":           "arm64",
		"machine_model":  "Mac14,9",
		"serial_number":  "C02XYZ123",
		"ipv4_address":   []string{"10.1.2.3", "192.168.0.4"},
		"catalogs":       []string{"production", "testing"},
		"date":           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"battery_count":  1,
		"x86_64_capable": true,
	}
}

func TestEvaluateComparisons(t *testing.T) {
	tests := []struct {
		condition string
		want      bool
	}{
		{`os_vers == "14.3.1"`, true},
		{`os_vers != "14.3.1"`, false},
		{`os_vers >= "14.0"`, true},
		{`os_vers < "15.0"`, true},
		{`os_vers > "14.10"`, false}, // version-aware: 14.3.1 < 14.10
		{`os_vers_major >= 14`, true},
		{`arch == "arm64"`, true},
		{`machine_model BEGINSWITH "Mac14"`, true},
		{`hostname ENDSWITH "042"`, true},
		{`hostname CONTAINS "mac"`, true},
		{`hostname LIKE "lab-*"`, true},
		{`arch IN {"arm64", "x86_64"}`, true},
		{`arch IN {"i386"}`, false},
		{`"10.1.2.3" IN ipv4_address`, true},
		{`catalogs CONTAINS "testing"`, true},
		{`battery_count > 0`, true},
		{`x86_64_capable == TRUE`, true},
	}
	for _, tt := range tests {
		got, err := Evaluate(tt.condition, testFacts())
		require.NoError(t, err, "condition %q", tt.condition)
		assert.Equal(t, tt.want, got, "condition %q", tt.condition)
	}
}

func TestEvaluateBoolean(t *testing.T) {
	tests := []struct {
		condition string
		want      bool
	}{
		{`arch == "arm64" AND os_vers >= "14.0"`, true},
		{`arch == "i386" OR os_vers >= "14.0"`, true},
		{`NOT arch == "i386"`, true},
		{`NOT (arch == "arm64" AND os_vers_major == 14)`, false},
		{`arch == "i386" AND os_vers >= "14.0" OR hostname CONTAINS "lab"`, true},
	}
	for _, tt := range tests {
		got, err := Evaluate(tt.condition, testFacts())
		require.NoError(t, err, "condition %q", tt.condition)
		assert.Equal(t, tt.want, got, "condition %q", tt.condition)
	}
}

func TestEvaluateDates(t *testing.T) {
	got, err := Evaluate(`date > date("2026-01-01")`, testFacts())
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(`date < date("2026-01-01T00:00:00Z")`, testFacts())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateErrorsAreFalse(t *testing.T) {
	for _, condition := range []string{
		`nonexistent_fact == "x"`,
		`os_vers ===`,
		`os_vers`,
		`(os_vers == "14.3.1"`,
		`os_vers == "14.3.1" garbage`,
	} {
		got, err := Evaluate(condition, testFacts())
		assert.Error(t, err, "condition %q", condition)
		assert.False(t, got, "condition %q", condition)
	}
}
