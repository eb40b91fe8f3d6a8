package fleet

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-fleet/pkg/condition"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// groupFile is the on-disk layout: every group file holds one top-level group key
type groupFile struct {
	Group *domain.GroupConfig `yaml:"group"`
}

// IsGroupFile reports whether a directory entry is a loadable group definition.
// Files starting with an underscore are examples and are never loaded.
func IsGroupFile(name string) bool {
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

// LoadGroupFile parses and validates a single group file
func LoadGroupFile(filename string) (*domain.GroupConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read group file", err).WithContext("filename", filename)
	}

	var file groupFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML group file", err).WithContext("filename", filename)
	}
	if file.Group == nil {
		return nil, errors.NewValidationError("group file has no group section", nil).WithContext("filename", filename)
	}

	if err := ValidateGroup(file.Group); err != nil {
		return nil, errors.NewValidationError("invalid group configuration", err).WithContext("filename", filename)
	}
	return file.Group, nil
}

// LoadGroups loads every group file in dir, in file name order. Invalid files and
// duplicate group names are skipped and reported together in the returned error;
// the valid groups are always returned.
func LoadGroups(dir string) ([]*domain.GroupConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewIOError("failed to read groups directory", err).WithContext("directory", dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && IsGroupFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	collection := errors.NewErrorCollection()
	groups := make([]*domain.GroupConfig, 0, len(names))
	seen := make(map[string]string, len(names))

	for _, name := range names {
		group, err := LoadGroupFile(filepath.Join(dir, name))
		if err != nil {
			collection.Add(err)
			continue
		}

		key := strings.ToLower(group.Name)
		if previous, ok := seen[key]; ok {
			collection.Add(errors.NewConflictError(
				fmt.Sprintf("duplicate group name '%s' in %s and %s", group.Name, previous, name),
				nil,
			))
			continue
		}
		seen[key] = name
		groups = append(groups, group)
	}

	return groups, collection.ToError()
}

// ValidateGroup checks a group definition before it reaches the scaling manager
func ValidateGroup(group *domain.GroupConfig) error {
	if group == nil {
		return errors.NewValidationError("group cannot be nil", nil)
	}
	if err := ValidateGroupName(group.Name); err != nil {
		return err
	}

	switch strings.ToUpper(string(group.Server.Type)) {
	case "", string(domain.ServerTypeStatic), string(domain.ServerTypeDynamic):
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported server type: %s", group.Server.Type),
			nil,
		).WithContext("supported_types", "STATIC, DYNAMIC")
	}

	if err := validateServerCounts(group.Server.MinServers, group.Server.MaxServers); err != nil {
		return err
	}
	if err := validateNaming(group.Server.Naming); err != nil {
		return err
	}
	return validateScaling(group.Scaling)
}

func validateServerCounts(min, max int) error {
	if min < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("min-servers cannot be negative: %d", min),
			nil,
		)
	}
	if max == domain.UnlimitedServers {
		return nil
	}
	if max < min {
		return errors.NewValidationError(
			fmt.Sprintf("max-servers %d is below min-servers %d", max, min),
			nil,
		).WithContext("unlimited", domain.UnlimitedServers)
	}
	return nil
}

func validateNaming(naming domain.NamingSettings) error {
	switch strings.ToLower(naming.Identifier) {
	case "", domain.NamingIdentifierOrdered, domain.NamingIdentifierUUID:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported naming identifier: %s", naming.Identifier),
			nil,
		).WithContext("supported_identifiers", "ordered, uuid")
	}

	if naming.NamePattern != "" && !strings.Contains(naming.NamePattern, "{id}") {
		return errors.NewValidationError(
			fmt.Sprintf("naming pattern must contain {id}: %s", naming.NamePattern),
			nil,
		)
	}
	return nil
}

func validateScaling(scalingSettings domain.ScalingSettings) error {
	switch strings.ToLower(scalingSettings.Type) {
	case domain.ScalingTypeNormal, domain.ScalingTypeProxy:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported scaling type: %s", scalingSettings.Type),
			nil,
		).WithContext("supported_types", "normal, proxy")
	}

	if scalingSettings.CooldownSeconds < 0 {
		return errors.NewValidationError("cooldown-seconds cannot be negative", nil)
	}

	conditions := scalingSettings.Conditions
	for name, threshold := range map[string]float64{
		"scale-up-threshold":   conditions.ScaleUpThreshold,
		"scale-down-threshold": conditions.ScaleDownThreshold,
	} {
		if threshold < 0 || threshold > 1 {
			return errors.NewValidationError(
				fmt.Sprintf("%s out of range: %v", name, threshold),
				nil,
			).WithContext("valid_range", "0-1")
		}
	}

	for name, expression := range map[string]string{
		"scale-up-metadata-condition":    conditions.ScaleUpMetadataCondition,
		"scale-down-protected-condition": conditions.ScaleDownProtectedCondition,
	} {
		if err := condition.Validate(expression); err != nil {
			return errors.NewValidationError("invalid "+name, err)
		}
	}
	return nil
}
