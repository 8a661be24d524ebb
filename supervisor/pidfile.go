package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// readPidfile returns the recorded process id, or an error when the record
// is absent or unreadable.
func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pidfile %s: %q", path, data)
	}
	return pid, nil
}

// writePidfile records the process id durably.
func writePidfile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// removePidfile clears the record. A missing file is fine.
func removePidfile(path string) {
	_ = os.Remove(path)
}

// processAlive reports whether the pid names a live process. Signal 0 probes
// without delivering anything.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// engineConfig is the configuration generated for one engine run.
type engineConfig struct {
	DataDir string `yaml:"data_dir"`
	Listen  string `yaml:"listen"`
}

// writeEngineConfig renders the generated engine configuration file.
func writeEngineConfig(path, workDir string) error {
	cfg := engineConfig{
		DataDir: workDir,
		Listen:  "127.0.0.1:7337",
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode engine config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
