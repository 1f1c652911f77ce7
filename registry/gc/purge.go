package gc

import (
	"fmt"
	"time"
)

// PurgeOption contains options for purging abandoned upload sessions.
type PurgeOption struct {
	Enabled  bool
	Age      time.Duration
	Interval time.Duration
	DryRun   bool
}

func (po *PurgeOption) String() string {
	return fmt.Sprintf(`
Purge Option:
  Enabled:  %t
  DryRun:   %t
  Age:      %s
  Interval: %s
`, po.Enabled, po.DryRun, po.Age, po.Interval)
}

// DefaultPurgeOption purges sessions older than an hour, every ten minutes.
func DefaultPurgeOption() PurgeOption {
	return PurgeOption{
		Enabled:  true,
		Age:      time.Hour,
		Interval: 10 * time.Minute,
	}
}

func badPurgeUploadConfig(reason string) (*PurgeOption, error) {
	return nil, fmt.Errorf("unable to parse upload purge configuration: %s", reason)
}

// ParseConfig parses the loosely typed upload purge section, filling in
// defaults for missing keys. Durations are strings accepted by
// time.ParseDuration.
func ParseConfig(config map[interface{}]interface{}) (*PurgeOption, error) {
	po := DefaultPurgeOption()

	if enabled, ok := config["enabled"]; ok {
		b, ok := enabled.(bool)
		if !ok {
			return badPurgeUploadConfig("enabled is not a bool")
		}
		po.Enabled = b
	}

	for key, target := range map[string]*time.Duration{"age": &po.Age, "interval": &po.Interval} {
		v, ok := config[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return badPurgeUploadConfig(key + " is not a string")
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return badPurgeUploadConfig(fmt.Sprintf("cannot parse %s: %s", key, err.Error()))
		}
		if d <= 0 {
			return badPurgeUploadConfig(key + " must be positive")
		}
		*target = d
	}

	if dryRun, ok := config["dryrun"]; ok {
		b, ok := dryRun.(bool)
		if !ok {
			return badPurgeUploadConfig("cannot parse dryrun")
		}
		po.DryRun = b
	}

	return &po, nil
}
