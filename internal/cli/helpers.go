package cli

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/re-cinq/taskline/internal/config"
	"github.com/re-cinq/taskline/internal/store"
)

// loadAndValidateConfig loads a config file and validates it, printing errors to stderr.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}

	return cfg, nil
}

// resolveStorePath applies spec.md §6's ORCHESTRATOR_DB_PATH override, else
// defaults to <cwd>/orchestrator.db.
func resolveStorePath(env config.EnvOverrides) (string, error) {
	if env.DBPath != "" {
		return env.DBPath, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, "orchestrator.db"), nil
}

// openStore opens the State Store at the resolved path with a stderr logger.
func openStore(env config.EnvOverrides) (*store.Store, error) {
	path, err := resolveStorePath(env)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stderr, "store: ", log.LstdFlags)
	return store.Open(path, logger)
}

// findGitRoot walks up from dir looking for a .git directory.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
