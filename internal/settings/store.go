package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/lock"
)

// ParseError reports a malformed persisted value. The default was kept in its
// place and loading continued.
type ParseError struct {
	Channel string
	Key     string
	Value   string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("settings %s: key %q value %q: %v", e.Channel, e.Key, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidName reports whether name can be used as a channel name and file stem.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// Store reads and writes <dir>/<channel>.yaml documents.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the document path for a channel.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// Load merges the persisted document of defaults.Name onto defaults key by
// key. A missing document yields defaults. Malformed values are reported as
// *ParseError problems; unknown keys are ignored. The returned error is only
// set when the document cannot be read at all.
func (s *Store) Load(defaults Channel) (Channel, []*ParseError, error) {
	if !ValidName(defaults.Name) {
		return Channel{}, nil, fmt.Errorf("invalid channel name %q", defaults.Name)
	}

	raw, err := os.ReadFile(s.Path(defaults.Name))
	if errors.Is(err, fs.ErrNotExist) {
		return Normalize(defaults), nil, nil
	}
	if err != nil {
		return Channel{}, nil, fmt.Errorf("read settings %s: %w", defaults.Name, err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Normalize(defaults), []*ParseError{{
			Channel: defaults.Name,
			Key:     "*",
			Value:   "",
			Err:     fmt.Errorf("document: %w", err),
		}}, nil
	}

	merged := defaults
	var problems []*ParseError
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field, ok := fieldTable[key]
		if !ok {
			continue
		}
		node := doc[key]
		if err := field(&merged, &node); err != nil {
			problems = append(problems, &ParseError{Channel: defaults.Name, Key: key, Value: node.Value, Err: err})
		}
	}

	// The document never renames a channel.
	merged.Name = defaults.Name
	return Normalize(merged), problems, nil
}

// Save atomically replaces the document for c.Name.
func (s *Store) Save(c Channel) error {
	if !ValidName(c.Name) {
		return fmt.Errorf("invalid channel name %q", c.Name)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode settings %s: %w", c.Name, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+c.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings %s: %w", c.Name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync settings %s: %w", c.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings %s: %w", c.Name, err)
	}
	if err := os.Rename(tmpName, s.Path(c.Name)); err != nil {
		return fmt.Errorf("replace settings %s: %w", c.Name, err)
	}
	return nil
}

type fieldDecoder func(c *Channel, node *yaml.Node) error

var fieldTable = map[string]fieldDecoder{
	"name":                   func(*Channel, *yaml.Node) error { return nil },
	"address":                stringField(func(c *Channel) *string { return &c.Address }),
	"controller_index":       indexField(func(c *Channel) *int { return &c.ControllerIndex }),
	"generator_index":        indexField(func(c *Channel) *int { return &c.GeneratorIndex }),
	"input":                  routeField(func(c *Channel) *instrument.Route { return &c.Input }, instrument.ValidInput),
	"output":                 routeField(func(c *Channel) *instrument.Route { return &c.Output }, instrument.ValidOutput),
	"p":                      floatField(func(c *Channel) *float64 { return &c.P }, nil),
	"i_hz":                   floatField(func(c *Channel) *float64 { return &c.IHz }, nil),
	"setpoint_v":             floatField(func(c *Channel) *float64 { return &c.Setpoint }, nil),
	"integrator":             floatField(func(c *Channel) *float64 { return &c.Integrator }, nil),
	"offset_v":               floatField(func(c *Channel) *float64 { return &c.Offset }, nil),
	"max_voltage_v":          floatField(func(c *Channel) *float64 { return &c.MaxVoltage }, nil),
	"min_voltage_v":          floatField(func(c *Channel) *float64 { return &c.MinVoltage }, nil),
	"relock_policy":          policyField,
	"custom_relock_voltage":  stringField(func(c *Channel) *string { return &c.CustomRelockVoltage }),
	"relock_voltage_v":       floatField(func(c *Channel) *float64 { return &c.RelockVoltage }, nil),
	"sweep_max_v":            floatField(func(c *Channel) *float64 { return &c.SweepMax }, nil),
	"sweep_min_v":            floatField(func(c *Channel) *float64 { return &c.SweepMin }, nil),
	"sweep_frequency_hz":     floatField(func(c *Channel) *float64 { return &c.SweepFrequency }, nonNegative),
	"monitor_interval_s":     floatField(func(c *Channel) *float64 { return &c.MonitorInterval }, positive),
	"relock_interval_s":      floatField(func(c *Channel) *float64 { return &c.RelockInterval }, nonNegative),
	"acquisition_duration_s": floatField(func(c *Channel) *float64 { return &c.AcquisitionDuration }, nonNegative),
	"lock_threshold_v":       floatField(func(c *Channel) *float64 { return &c.LockThreshold }, positive),
}

func stringField(get func(*Channel) *string) fieldDecoder {
	return func(c *Channel, node *yaml.Node) error {
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*get(c) = strings.TrimSpace(v)
		return nil
	}
}

func indexField(get func(*Channel) *int) fieldDecoder {
	return func(c *Channel, node *yaml.Node) error {
		var v int
		if err := node.Decode(&v); err != nil {
			return err
		}
		if v < 0 {
			return errors.New("must be >= 0")
		}
		*get(c) = v
		return nil
	}
}

func routeField(get func(*Channel) *instrument.Route, valid func(instrument.Route) bool) fieldDecoder {
	return func(c *Channel, node *yaml.Node) error {
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		route := instrument.Route(strings.ToLower(strings.TrimSpace(v)))
		if !valid(route) {
			return fmt.Errorf("unknown route %q", v)
		}
		*get(c) = route
		return nil
	}
}

func floatField(get func(*Channel) *float64, check func(float64) error) fieldDecoder {
	return func(c *Channel, node *yaml.Node) error {
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		if !finite(v) {
			return errors.New("must be finite")
		}
		if check != nil {
			if err := check(v); err != nil {
				return err
			}
		}
		*get(c) = v
		return nil
	}
}

func policyField(c *Channel, node *yaml.Node) error {
	var v string
	if err := node.Decode(&v); err != nil {
		return err
	}
	policy, err := lock.ParsePolicy(v)
	if err != nil {
		return err
	}
	c.RelockPolicy = policy
	return nil
}

func positive(v float64) error {
	if v <= 0 {
		return errors.New("must be > 0")
	}
	return nil
}

func nonNegative(v float64) error {
	if v < 0 {
		return errors.New("must be >= 0")
	}
	return nil
}
