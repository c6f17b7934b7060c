package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoPolicies is returned when a bundle directory holds no policy modules.
var ErrNoPolicies = errors.New("no rego policies found")

// LoadRegoFiles reads the policy modules in dir, keyed by path. Rego
// test files are skipped; they are for `opa test`, not for serving.
func LoadRegoFiles(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".rego" || strings.HasSuffix(name, "_test.rego") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoPolicies, dir)
	}
	sort.Strings(names)

	modules := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", path, err)
		}
		modules[path] = string(data)
	}
	return modules, nil
}
