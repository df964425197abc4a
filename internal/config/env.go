package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to flag names to form environment variable names:
// -commands-path is read from FLEET_COMMANDS_PATH.
const EnvPrefix = "FLEET_"

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// EnvName returns the environment variable consulted for flag name.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// ApplyEnv sets every flag in fset that was not given on the command line
// from its environment variable, if lookup finds one. Call it after
// fset.Parse.
func ApplyEnv(fset *flag.FlagSet, lookup func(string) (string, bool)) error {
	explicit := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var errs []error
	fset.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		value, ok := lookup(EnvName(f.Name))
		if !ok {
			return
		}
		if err := fset.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}
