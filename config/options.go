package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Option names accepted by the setoption action and read from the
// environment.
const (
	OptExitOnDisconnect = "ZTELNET_EXIT_WHEN_DISCONNECTED"
	OptAutoCRLF         = "ZTELNET_AUTO_CRLF"
	OptExpandEnv        = "ZTELNET_EXPAND_ENVIRONMENT_STRINGS_IN_SCRIPT"
	OptCRLFReplace      = "ZTELNET_CRLF_REPLACE_IN_SCRIPT"
	OptEmptyReplace     = "ZTELNET_EMPTY_REPLACE_IN_SCRIPT"
	OptInterActionDelay = "ZTELNET_INTER_ACTION_DELAY"

	// VarScriptName is a read-only pseudo variable expanded in scripts.
	VarScriptName = "ZTELNET_SCRIPT_NAME"
)

// OptionNames lists every settable option, in documentation order.
var OptionNames = []string{ //nolint:gochecknoglobals
	OptExitOnDisconnect,
	OptAutoCRLF,
	OptExpandEnv,
	OptCRLFReplace,
	OptEmptyReplace,
	OptInterActionDelay,
}

// Options is the mutable engine configuration.  Scripts change it with
// setoption; everything else only reads it.
type Options struct {
	ExitOnDisconnect bool   `toml:"exit_on_disconnect" yaml:"exit_on_disconnect"`
	AutoCRLF         bool   `toml:"auto_crlf" yaml:"auto_crlf"`
	ExpandEnv        bool   `toml:"expand_env" yaml:"expand_env"`
	CRLFReplace      string `toml:"crlf_replace" yaml:"crlf_replace"`
	EmptyReplace     string `toml:"empty_replace" yaml:"empty_replace"`
	InterActionDelay int    `toml:"inter_action_delay" yaml:"inter_action_delay"` // milliseconds
}

// Delay returns InterActionDelay as a duration.
func (o Options) Delay() time.Duration {
	return time.Duration(o.InterActionDelay) * time.Millisecond
}

// Set assigns the option called name.  known is false for names that
// are not options; those are left for the caller to ignore.
func (o *Options) Set(name, value string) (known bool, err error) {
	switch name {
	case OptExitOnDisconnect:
		return true, setBool(&o.ExitOnDisconnect, value)
	case OptAutoCRLF:
		return true, setBool(&o.AutoCRLF, value)
	case OptExpandEnv:
		return true, setBool(&o.ExpandEnv, value)
	case OptCRLFReplace:
		o.CRLFReplace = value
		return true, nil
	case OptEmptyReplace:
		o.EmptyReplace = value
		return true, nil
	case OptInterActionDelay:
		n, err := ParseInt(value)
		if err != nil {
			return true, err
		}
		if n < 0 {
			return true, fmt.Errorf("%s: negative delay %d", name, n)
		}
		o.InterActionDelay = n
		return true, nil
	}
	return false, nil
}

// Get renders the current value of the named option.
func (o Options) Get(name string) (string, bool) {
	switch name {
	case OptExitOnDisconnect:
		return strconv.FormatBool(o.ExitOnDisconnect), true
	case OptAutoCRLF:
		return strconv.FormatBool(o.AutoCRLF), true
	case OptExpandEnv:
		return strconv.FormatBool(o.ExpandEnv), true
	case OptCRLFReplace:
		return o.CRLFReplace, true
	case OptEmptyReplace:
		return o.EmptyReplace, true
	case OptInterActionDelay:
		return strconv.Itoa(o.InterActionDelay), true
	}
	return "", false
}

// ParseBool decides a boolean from the first character of s:
// t, y, 1 are true and f, n, 0 are false, in either case.  The empty
// string is false.
func ParseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	switch s[0] {
	case 't', 'T', 'y', 'Y', '1':
		return true, nil
	case 'f', 'F', 'n', 'N', '0':
		return false, nil
	}
	return false, fmt.Errorf("cannot parse boolean %q", s)
}

// ParseInt parses a decimal integer.  The empty string is zero.
func ParseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("cannot parse integer %q", s)
	}
	return n, nil
}

func setBool(dst *bool, value string) error {
	b, err := ParseBool(value)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
