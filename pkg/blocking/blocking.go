// pkg/blocking/blocking.go - running-application checks for install
// planning.
//
// An item with blocking_applications (or, failing that, application
// entries in its installs list) cannot be safely installed while one of
// those applications is running.

package blocking

import (
	"path/filepath"
	"strings"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/pkginfo"
)

// runningProcessNames is swapped in tests.
var runningProcessNames = listRunningProcessNames

func listRunningProcessNames() []string {
	procs, err := gopsprocess.Processes()
	if err != nil {
		logging.Warn("Unable to list processes", "error", err)
		return nil
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		if name, err := p.Name(); err == nil && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// appNamesFor returns the application names whose running copies block
// this item: blocking_applications verbatim, else the basenames of
// application entries in installs.
func appNamesFor(item *pkginfo.PkgInfo) []string {
	if len(item.BlockingApplications) > 0 {
		return item.BlockingApplications
	}
	var names []string
	for _, entry := range item.Installs {
		if entry.Type != "application" || entry.Path == "" {
			continue
		}
		names = append(names, filepath.Base(entry.Path))
	}
	return names
}

// RunningBlockers returns the blocking applications of item currently
// running, matching process names case-insensitively with and without
// the .app suffix.
func RunningBlockers(item *pkginfo.PkgInfo) []string {
	blockers := appNamesFor(item)
	if len(blockers) == 0 {
		return nil
	}
	running := runningProcessNames()
	var found []string
	for _, blocker := range blockers {
		want := strings.ToLower(strings.TrimSuffix(blocker, ".app"))
		for _, name := range running {
			if strings.ToLower(strings.TrimSuffix(name, ".app")) == want {
				found = append(found, blocker)
				break
			}
		}
	}
	return found
}
