package schema

import (
	"fmt"
	"sort"
	"time"
	"unicode"

	"github.com/danthegoodman1/tierdb/partitioner"
	"github.com/danthegoodman1/tierdb/utils"
	"gopkg.in/yaml.v3"
)

type (
	// ConfigError means a table or tier declaration is malformed or
	// contradictory. The declaration is rejected whole, nothing is
	// partially registered.
	ConfigError string

	// Duration wraps time.Duration for yaml decoding of values like `12h`
	Duration time.Duration

	TTLRule struct {
		// After is the age threshold, measured against the newest record
		// timestamp in a partition
		After Duration `yaml:"after"`
		// ToTier moves the partition to the named tier once After is exceeded
		ToTier string `yaml:"to_tier,omitempty"`
		// Delete removes the partition once After is exceeded. Terminal:
		// dominates any move rule with a smaller threshold.
		Delete bool `yaml:"delete,omitempty"`
	}

	BufferSpec struct {
		MaxRows       int64    `yaml:"max_rows,omitempty"`
		MaxBytes      int64    `yaml:"max_bytes,omitempty"`
		MaxBatchAge   Duration `yaml:"max_age,omitempty"`
		FlushInterval Duration `yaml:"flush_interval,omitempty"`
	}

	TableSchema struct {
		Name            string                      `yaml:"name"`
		TimestampColumn string                      `yaml:"timestamp_column"`
		PartitionBy     []partitioner.PartitionPlan `yaml:"partition_by"`
		// OrderingKey is the sort/merge order of rows within a part, and the
		// dedup key when VersionColumn is set
		OrderingKey []string `yaml:"ordering_key"`
		// VersionColumn breaks ties between duplicate ordering-key values at
		// merge time, greatest value survives. Empty disables dedup.
		VersionColumn string     `yaml:"version_column,omitempty"`
		TTL           []TTLRule  `yaml:"ttl,omitempty"`
		Buffer        BufferSpec `yaml:"buffer,omitempty"`
	}

	TierSpec struct {
		Name string `yaml:"name"`
		// Medium is one of `disk`, `s3`, `memory`
		Medium string `yaml:"medium"`
		// Path is the root directory for the disk medium
		Path string `yaml:"path,omitempty"`
		// Bucket and Prefix locate the s3 medium
		Bucket string `yaml:"bucket,omitempty"`
		Prefix string `yaml:"prefix,omitempty"`
	}

	// Config is the full declarative policy: named tiers (hottest first) and
	// the tables whose partitions move between them
	Config struct {
		Tiers  []TierSpec    `yaml:"tiers"`
		Tables []TableSchema `yaml:"tables"`
	}
)

func (e ConfigError) Error() string {
	return string(e)
}

func (e ConfigError) IsPermanent() bool {
	return true
}

func configErrorf(format string, args ...any) ConfigError {
	return ConfigError(fmt.Sprintf(format, args...))
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("error in time.ParseDuration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Validate checks a single table declaration against the known tier names.
func (ts *TableSchema) Validate(tierNames []string) error {
	if ts.Name == "" {
		return configErrorf("table is missing a name")
	}
	if ts.TimestampColumn == "" {
		return configErrorf("table %s is missing timestamp_column", ts.Name)
	}
	if len(ts.PartitionBy) == 0 {
		return configErrorf("table %s has no partition_by plans", ts.Name)
	}
	if err := partitioner.ValidatePlans(ts.PartitionBy); err != nil {
		return configErrorf("table %s: %s", ts.Name, err.Error())
	}
	if ts.VersionColumn != "" && len(ts.OrderingKey) == 0 {
		return configErrorf("table %s declares version_column %s without an ordering_key", ts.Name, ts.VersionColumn)
	}

	// Column names must start lowercase: parquet read-back folds the first
	// rune of every column to lowercase, an uppercase-leading column would
	// come back renamed
	cols := append([]string{ts.TimestampColumn, ts.VersionColumn}, ts.OrderingKey...)
	for _, col := range cols {
		if startsUpper(col) {
			return configErrorf("table %s column %s must start with a lowercase letter", ts.Name, col)
		}
	}

	var deleteAfter *Duration
	seen := map[Duration]bool{}
	for _, rule := range ts.TTL {
		if rule.After <= 0 {
			return configErrorf("table %s has a ttl rule with non-positive threshold %s", ts.Name, rule.After.Duration())
		}
		if seen[rule.After] {
			return configErrorf("table %s has duplicate ttl threshold %s", ts.Name, rule.After.Duration())
		}
		seen[rule.After] = true
		if rule.Delete == (rule.ToTier != "") {
			return configErrorf("table %s ttl rule at %s must set exactly one of to_tier or delete", ts.Name, rule.After.Duration())
		}
		if rule.Delete {
			if deleteAfter != nil {
				return configErrorf("table %s declares more than one delete rule", ts.Name)
			}
			deleteAfter = utils.Ptr(rule.After)
		} else if !utils.ContainsString(tierNames, rule.ToTier) {
			return configErrorf("table %s ttl rule references unknown tier %s", ts.Name, rule.ToTier)
		}
	}

	// A move rule past the delete threshold can never apply
	if deleteAfter != nil {
		for _, rule := range ts.TTL {
			if !rule.Delete && rule.After >= *deleteAfter {
				return configErrorf("table %s ttl move to %s at %s is unreachable, delete fires at %s", ts.Name, rule.ToTier, rule.After.Duration(), deleteAfter.Duration())
			}
		}
	}

	return nil
}

func startsUpper(s string) bool {
	r := []rune(s)
	return len(r) > 0 && unicode.IsUpper(r[0])
}

// SortedTTL returns the table's TTL rules in increasing threshold order.
func (ts *TableSchema) SortedTTL() []TTLRule {
	rules := make([]TTLRule, len(ts.TTL))
	copy(rules, ts.TTL)
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].After < rules[j].After
	})
	return rules
}

// DominantRule returns the rule with the largest threshold already exceeded
// by age, or nil when no rule applies yet.
func (ts *TableSchema) DominantRule(age time.Duration) *TTLRule {
	var dominant *TTLRule
	for _, rule := range ts.SortedTTL() {
		if age >= rule.After.Duration() {
			r := rule
			dominant = &r
		}
	}
	return dominant
}

// Validate checks the whole declaration. Hottest tier is listed first, new
// partitions land there.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return configErrorf("no tiers declared")
	}
	tierNames := make([]string, 0, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.Name == "" {
			return configErrorf("tier is missing a name")
		}
		if utils.ContainsString(tierNames, tier.Name) {
			return configErrorf("duplicate tier %s", tier.Name)
		}
		switch tier.Medium {
		case "disk":
			if tier.Path == "" {
				return configErrorf("disk tier %s is missing path", tier.Name)
			}
		case "s3":
			if tier.Bucket == "" {
				return configErrorf("s3 tier %s is missing bucket", tier.Name)
			}
		case "memory":
		default:
			return configErrorf("tier %s has unknown medium %s", tier.Name, tier.Medium)
		}
		tierNames = append(tierNames, tier.Name)
	}

	tableNames := map[string]bool{}
	for i := range c.Tables {
		if err := c.Tables[i].Validate(tierNames); err != nil {
			return err
		}
		if tableNames[c.Tables[i].Name] {
			return configErrorf("duplicate table %s", c.Tables[i].Name)
		}
		tableNames[c.Tables[i].Name] = true
	}
	return nil
}

// DefaultTier is where freshly flushed partitions land
func (c *Config) DefaultTier() string {
	return c.Tiers[0].Name
}
