package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type limitsFile struct {
	Limits []limitEntry `yaml:"limits"`
}

type limitEntry struct {
	UserID  string             `yaml:"user_id"`
	Daily   float64            `yaml:"daily"`
	Weekly  float64            `yaml:"weekly"`
	Monthly float64            `yaml:"monthly"`
	Modules map[string]float64 `yaml:"modules"`
	Active  *bool              `yaml:"active"`
}

// ParseLimits decodes a YAML document of the form
//
//	limits:
//	  - user_id: student-1
//	    daily: 1.0
//	    weekly: 5
//	    modules:
//	      lectura: 0.5
//
// Entries are active unless they say otherwise.
func ParseLimits(data []byte) ([]CostLimit, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file limitsFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse limits: %w", err)
	}
	seen := make(map[string]bool, len(file.Limits))
	out := make([]CostLimit, 0, len(file.Limits))
	for i, entry := range file.Limits {
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			return nil, fmt.Errorf("parse limits: entry %d: user_id required", i)
		}
		if seen[userID] {
			return nil, fmt.Errorf("parse limits: duplicate user_id %q", userID)
		}
		seen[userID] = true
		limit := CostLimit{
			UserID:       userID,
			DailyLimit:   entry.Daily,
			WeeklyLimit:  entry.Weekly,
			MonthlyLimit: entry.Monthly,
			ModuleLimits: entry.Modules,
			Active:       entry.Active == nil || *entry.Active,
		}
		if err := ValidateLimit(limit); err != nil {
			return nil, fmt.Errorf("parse limits: %w", err)
		}
		out = append(out, limit)
	}
	return out, nil
}

// LoadLimitsFile reads and parses a limits YAML file.
func LoadLimitsFile(path string) ([]CostLimit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}
	return ParseLimits(data)
}

// ErrInvalidLimit wraps validation failures from SetLimit.
var ErrInvalidLimit = errors.New("invalid cost limit")

// ValidateLimit checks a cost limit before it is stored.
func ValidateLimit(limit CostLimit) error {
	if strings.TrimSpace(limit.UserID) == "" {
		return errors.New("user id required")
	}
	if limit.DailyLimit < 0 || limit.WeeklyLimit < 0 || limit.MonthlyLimit < 0 {
		return fmt.Errorf("user %s: limits must not be negative", limit.UserID)
	}
	for module, v := range limit.ModuleLimits {
		if v < 0 {
			return fmt.Errorf("user %s: module %s limit must not be negative", limit.UserID, module)
		}
	}
	return nil
}
