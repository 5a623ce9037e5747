// Package action maps script lines to handlers.
//
// A line is "<name> <argument text>".  The name picks a registered
// action; the argument text is matched against the action's pattern
// and the capture groups become the handler's arguments.
package action

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	ncerr "ztelnet/internal/errors"
)

// Handler runs one action.  It returns true when the script may go on
// to the next line and false when the engine must wait for an external
// event first.
type Handler func(args []string) (bool, error)

// Descriptor is a registered action.
type Descriptor struct {
	Name    string
	Handler Handler
	Pattern *regexp.Regexp // nil: the action takes no arguments
}

var (
	commentRe = regexp.MustCompile(`^\s*\w*#`)
	nameRe    = regexp.MustCompile(`^\s*(\w+)`)
)

// Registry holds the action table.  Registration happens before the
// engine starts; lookups are read-only afterwards.
type Registry struct {
	actions map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Descriptor)}
}

// Register adds an action.  An empty pattern means the action takes no
// arguments.
func (r *Registry) Register(name string, h Handler, pattern string) error {
	if _, dup := r.actions[name]; dup {
		return fmt.Errorf("action %q already registered", name)
	}
	d := &Descriptor{Name: name, Handler: h}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("action %q: %w", name, err)
		}
		d.Pattern = re
	}
	r.actions[name] = d
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, h Handler, pattern string) {
	if err := r.Register(name, h, pattern); err != nil {
		panic(err)
	}
}

// Lookup returns the named action.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.actions[name]
	return d, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsNoop reports whether line is blank or a comment.
func IsNoop(line string) bool {
	return strings.TrimSpace(line) == "" || commentRe.MatchString(line)
}

// Invoke parses line and runs the matching handler.  Blank lines and
// comments succeed without doing anything.
func (r *Registry) Invoke(line string) (bool, error) {
	if IsNoop(line) {
		return true, nil
	}

	loc := nameRe.FindStringSubmatchIndex(line)
	if loc == nil {
		return false, ncerr.Usage("", "cannot parse %q", line)
	}
	name, rest := line[loc[2]:loc[3]], line[loc[1]:]

	d, ok := r.actions[name]
	if !ok {
		return false, &ncerr.UsageError{
			Action: name, Message: "unknown action", Expected: -1, Err: ncerr.ErrUnknownAction,
		}
	}

	var args []string
	if d.Pattern != nil {
		m := d.Pattern.FindStringSubmatch(rest)
		if m == nil {
			return false, ncerr.ArgCount(name, d.Pattern.NumSubexp(), len(strings.Fields(rest)),
				fmt.Sprintf("arguments %q do not match %s", strings.TrimSpace(rest), d.Pattern))
		}
		args = m[1:]
	}
	return d.Handler(args)
}
