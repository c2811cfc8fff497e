package packages

import (
	"regexp"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
)

const maxNameLength = 64

// package names follow the pub naming rules: lowercase letters, digits and
// underscores, starting with a letter
var nameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateName checks a package name against the pub naming rules.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("package name must not be empty")
	}
	if len(name) > maxNameLength {
		return errors.Errorf("package name must not exceed %d characters", maxNameLength)
	}
	if !nameRegexp.MatchString(name) {
		return errors.Errorf("invalid package name %q: must match %s", name, nameRegexp.String())
	}
	return nil
}

// ValidateVersion checks that a version string is valid semver.
func ValidateVersion(version string) error {
	if version == "" {
		return errors.New("version must not be empty")
	}
	if _, err := semver.Parse(version); err != nil {
		return errors.Wrapf(err, "invalid version %q", version)
	}
	return nil
}
