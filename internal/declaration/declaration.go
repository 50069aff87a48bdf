// Package declaration holds the namespace declaration document: the
// pollers, listeners and sinks of every namespace.
package declaration

import (
	"regexp"
	"sort"
	"strconv"

	"codeberg.org/mutker/edgetel/internal/actions"
	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/params"
	"codeberg.org/mutker/edgetel/internal/schedule"
	"codeberg.org/mutker/edgetel/internal/source"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Declaration is the full configuration document, keyed by namespace.
type Declaration struct {
	Namespaces map[string]Namespace `yaml:"namespaces" json:"namespaces" validate:"dive"`
}

type Namespace struct {
	Pollers   []Poller   `yaml:"pollers,omitempty" json:"pollers,omitempty" validate:"dive"`
	Listeners []Listener `yaml:"listeners,omitempty" json:"listeners,omitempty" validate:"dive"`
	Sinks     []Sink     `yaml:"sinks,omitempty" json:"sinks,omitempty" validate:"dive"`
}

type Poller struct {
	Name      string             `yaml:"name" json:"name" validate:"required"`
	Schedule  *schedule.Schedule `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Interval  int                `yaml:"interval,omitempty" json:"interval,omitempty" validate:"gte=0"`
	UseUTC    bool               `yaml:"useUTC,omitempty" json:"useUTC,omitempty"`
	Source    SourceRef          `yaml:"source" json:"source"`
	Endpoints []source.Endpoint  `yaml:"endpoints,omitempty" json:"endpoints,omitempty" validate:"dive"`
	Actions   []actions.Rule     `yaml:"actions,omitempty" json:"actions,omitempty"`
	Enabled   *bool              `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

type SourceRef struct {
	Type   string         `yaml:"type" json:"type" validate:"required"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

type Listener struct {
	Name     string         `yaml:"name" json:"name" validate:"required"`
	Port     int            `yaml:"port" json:"port" validate:"min=1,max=65535"`
	Protocol string         `yaml:"protocol" json:"protocol" validate:"oneof=tcp udp"`
	Actions  []actions.Rule `yaml:"actions,omitempty" json:"actions,omitempty"`
	Enabled  *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

type Sink struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Type    string         `yaml:"type" json:"type" validate:"required"`
	Mode    string         `yaml:"mode" json:"mode" validate:"oneof=push pull"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Enabled *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

func (p Poller) IsEnabled() bool   { return enabled(p.Enabled) }
func (l Listener) IsEnabled() bool { return enabled(l.Enabled) }
func (s Sink) IsEnabled() bool     { return enabled(s.Enabled) }

func enabled(b *bool) bool {
	return b == nil || *b
}

// Names returns the declared namespace names, sorted.
func (d *Declaration) Names() []string {
	names := make([]string, 0, len(d.Namespaces))
	for name := range d.Namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the whole document. Schedule and action rule problems
// keep their schedule_error and action_error codes; everything else is
// declaration_invalid.
func (d *Declaration) Validate() error {
	errFactory := errors.New()

	if err := params.Validator().Struct(d); err != nil {
		return errFactory.Wrap(errors.ErrInvalidDeclaration, err)
	}

	for _, name := range d.Names() {
		if !namePattern.MatchString(name) {
			return errFactory.WithMessagef(errors.ErrInvalidDeclaration, "invalid namespace name %q", name)
		}
		if err := d.Namespaces[name].validate(); err != nil {
			return errFactory.Wrapf(codeOr(err, errors.ErrInvalidDeclaration), err, "namespace %q", name)
		}
	}

	return nil
}

func (ns Namespace) validate() error {
	errFactory := errors.New()

	seen := make(map[string]bool)
	for _, p := range ns.Pollers {
		if err := unique(seen, "poller", p.Name); err != nil {
			return err
		}
		if err := p.validate(); err != nil {
			return err
		}
	}

	seen = make(map[string]bool)
	for _, l := range ns.Listeners {
		if err := unique(seen, "listener", l.Name); err != nil {
			return err
		}
		if err := actions.Validate(l.Actions); err != nil {
			return errFactory.Wrapf(errors.ErrAction, err, "listener %q", l.Name)
		}
	}

	ports := make(map[string]string)
	for _, l := range ns.Listeners {
		if !l.IsEnabled() {
			continue
		}
		key := l.Protocol + "/" + strconv.Itoa(l.Port)
		if other, ok := ports[key]; ok {
			return errFactory.WithMessagef(errors.ErrInvalidDeclaration,
				"listeners %q and %q both use %s", other, l.Name, key)
		}
		ports[key] = l.Name
	}

	seen = make(map[string]bool)
	for _, s := range ns.Sinks {
		if err := unique(seen, "sink", s.Name); err != nil {
			return err
		}
	}

	return nil
}

func (p Poller) validate() error {
	errFactory := errors.New()

	switch {
	case p.Schedule != nil && p.Interval > 0:
		return errFactory.WithMessagef(errors.ErrSchedule, "poller %q: schedule and interval are exclusive", p.Name)
	case p.Schedule == nil && p.Interval == 0:
		return errFactory.WithMessagef(errors.ErrSchedule, "poller %q: schedule or interval is required", p.Name)
	case p.Schedule != nil:
		if err := p.Schedule.Validate(); err != nil {
			return errFactory.Wrapf(errors.ErrSchedule, err, "poller %q", p.Name)
		}
	}

	if err := actions.Validate(p.Actions); err != nil {
		return errFactory.Wrapf(errors.ErrAction, err, "poller %q", p.Name)
	}

	seen := make(map[string]bool)
	for _, ep := range p.Endpoints {
		if err := unique(seen, "endpoint", ep.Name); err != nil {
			return errFactory.Wrapf(errors.ErrInvalidDeclaration, err, "poller %q", p.Name)
		}
	}

	return nil
}

func unique(seen map[string]bool, kind, name string) error {
	if !namePattern.MatchString(name) {
		return errors.New().WithMessagef(errors.ErrInvalidDeclaration, "invalid %s name %q", kind, name)
	}
	if seen[name] {
		return errors.New().WithMessagef(errors.ErrInvalidDeclaration, "duplicate %s %q", kind, name)
	}
	seen[name] = true
	return nil
}

func codeOr(err error, fallback errors.ErrorCode) errors.ErrorCode {
	if code, ok := errors.CodeOf(err); ok {
		return code
	}
	return fallback
}
