// pkg/process/process.go - single-instance enforcement and cooperative
// cancellation.
//
// Only one update-check session may run at a time. A stale session older
// than the hard ceiling is killed; a younger one wins and the new
// invocation exits.

package process

import (
	"os"
	"strings"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/macadmins/capuchin/pkg/logging"
)

// StopRequestedPath is the sentinel the GUI creates to ask a running
// session to stop between phases.
const StopRequestedPath = "/private/tmp/com.googlecode.munki.managedsoftwareupdate.stop_requested"

// staleCeiling is how long another instance may run before we assume it
// is hung and kill it.
const staleCeiling = 1800 * time.Second

// StopRequested reports whether the stop sentinel exists.
func StopRequested() bool {
	_, err := os.Stat(StopRequestedPath)
	return err == nil
}

// ClearStopRequest removes the stop sentinel, typically at session start.
func ClearStopRequest() {
	os.Remove(StopRequestedPath)
}

// otherInstance describes a concurrently running copy of this program.
type otherInstance struct {
	pid     int32
	started time.Time
}

// findOtherInstances scans the process table for other processes running
// the same executable name.
func findOtherInstances(execName string) ([]otherInstance, error) {
	procs, err := gopsprocess.Processes()
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var others []otherInstance
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil || !strings.EqualFold(name, execName) {
			continue
		}
		createMS, err := p.CreateTime()
		if err != nil {
			continue
		}
		others = append(others, otherInstance{
			pid:     p.Pid,
			started: time.UnixMilli(createMS),
		})
	}
	return others, nil
}

// EnsureSingleInstance loops until this process is the only running
// instance of execName. Instances older than the stale ceiling are
// killed; if a younger instance exists, this one should yield and the
// return value is false.
func EnsureSingleInstance(execName string) bool {
	for {
		others, err := findOtherInstances(execName)
		if err != nil {
			logging.Warn("Unable to scan for other instances", "error", err)
			return true
		}
		if len(others) == 0 {
			return true
		}
		cleared := true
		for _, other := range others {
			age := time.Since(other.started)
			if age > staleCeiling {
				logging.Warn("Killing stale instance",
					"pid", other.pid, "running_for", age.Round(time.Second).String())
				if p, err := gopsprocess.NewProcess(other.pid); err == nil {
					if killErr := p.Kill(); killErr != nil {
						logging.Error("Unable to kill stale instance",
							"pid", other.pid, "error", killErr)
					}
				}
				cleared = false
			} else {
				logging.Info("Another instance is already running, exiting",
					"pid", other.pid, "running_for", age.Round(time.Second).String())
				return false
			}
		}
		if cleared {
			return true
		}
		// Give the killed process a moment to disappear from the table.
		time.Sleep(time.Second)
	}
}
