// Package offline persists runs on the local filesystem so they can be
// created, mutated, logged to, pushed or pulled without a server.
//
// Layout:
//
//	<root>/offline/<kind>/<uuid>/
//	  run_data.json
//	  plxlogs/<container>/<node>/<pod>.log
//	  outputs/...
package offline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// KindRuntime is the default offline entity kind.
	KindRuntime = "runtime"
	// KindCache holds copies of runs fetched from the platform.
	KindCache = "cache"

	// RunDataFile holds the run record inside a run directory.
	RunDataFile = "run_data.json"
	// LogsDir holds JSONL log files inside a run directory.
	LogsDir = "plxlogs"
	// OutputsDir holds user artifacts inside a run directory.
	OutputsDir = "outputs"

	// PartialSuffix marks a run directory that is still being pulled.
	PartialSuffix = ".partial"
)

// BasePath returns <root>/offline/<kind>.
func BasePath(root, kind string) string {
	if kind == "" {
		kind = KindRuntime
	}
	return filepath.Join(root, "offline", kind)
}

// RunPath returns the directory of a run.
func RunPath(root, uuid, kind string) string {
	return filepath.Join(BasePath(root, kind), uuid)
}

// RunDataPath returns the run_data.json path of a run directory.
func RunDataPath(runPath string) string {
	return filepath.Join(runPath, RunDataFile)
}

// LogsPath returns the plxlogs directory of a run directory.
func LogsPath(runPath string) string {
	return filepath.Join(runPath, LogsDir)
}

// OutputsPath returns the outputs directory of a run directory.
func OutputsPath(runPath string) string {
	return filepath.Join(runPath, OutputsDir)
}

// ListRunUUIDs scans base for run directories. Hidden entries (locks,
// partial pulls) are skipped. A missing base yields no uuids.
func ListRunUUIDs(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var uuids []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := os.Stat(RunDataPath(filepath.Join(base, name))); err != nil {
			continue
		}
		uuids = append(uuids, name)
	}
	sort.Strings(uuids)
	return uuids, nil
}
