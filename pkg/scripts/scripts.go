// pkg/scripts/scripts.go - embedded script execution.
//
// Pkginfo items can carry shell scripts inline (installcheck_script,
// version_script, uninstallcheck_script). Each runs from a 0700 temp
// file with the item's pkginfo fed to stdin as a property list.

package scripts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/micromdm/plist"

	"github.com/macadmins/capuchin/pkg/logging"
)

// scriptTimeout bounds any embedded script's wall-clock runtime.
const scriptTimeout = time.Hour

// Result captures a completed script run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run writes script to a temp file and executes it with the pkginfo item
// serialized to stdin. A non-zero exit is not an error; callers inspect
// Result.ExitCode. Errors mean the script could not be run at all.
func Run(ctx context.Context, label, script string, item interface{}) (*Result, error) {
	tmp, err := os.CreateTemp("", "msu-script-")
	if err != nil {
		return nil, fmt.Errorf("creating script file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing script file: %w", err)
	}
	if err := tmp.Chmod(0o700); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("setting script mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	var stdin bytes.Buffer
	if item != nil {
		data, err := plist.MarshalIndent(item, "\t")
		if err != nil {
			return nil, fmt.Errorf("serializing item for script stdin: %w", err)
		}
		stdin.Write(data)
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tmp.Name())
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", label, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	if result.ExitCode != 0 {
		logging.Debug("Script exited non-zero",
			"script", label, "exit_code", result.ExitCode, "stderr", result.Stderr)
	}
	return result, nil
}

// RunExecutable runs an on-disk helper such as a preflight or postflight
// script, passing runType as the single argument. A missing file is not
// an error.
func RunExecutable(ctx context.Context, path, runType string) (int, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if fi.Mode()&0o111 == 0 {
		logging.Warn("Helper script is not executable, skipping", "path", path)
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, runType)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if out := stdout.String(); out != "" {
		logging.Info(out, "script", path)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logging.Warn("Helper script exited non-zero",
				"path", path, "exit_code", exitErr.ExitCode(), "stderr", stderr.String())
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("running %s: %w", path, err)
	}
	return 0, nil
}
