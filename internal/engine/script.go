package engine

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"ztelnet/config"
	ncerr "ztelnet/internal/errors"
)

// cursor reads a script one line at a time, on demand.
type cursor struct {
	name    string
	scanner *bufio.Scanner
	line    int
	err     error
}

func newCursor(name string, r io.Reader) *cursor {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &cursor{name: name, scanner: sc}
}

// next returns the next line without its terminator.  ok is false at
// the end of the script or on a read error, which is left in err.
func (c *cursor) next() (string, bool) {
	if !c.scanner.Scan() {
		c.err = c.scanner.Err()
		return "", false
	}
	c.line++
	return strings.TrimSuffix(c.scanner.Text(), "\r"), true
}

// cook joins the arguments of send, echo, and authlogin into the text to
// emit.  The line terminator is appended before placeholders are
// substituted, so a placeholder at the end of a line yields two.
func cook(name string, args []string, opts config.Options) (string, error) {
	if len(args) == 0 {
		return "", ncerr.ArgCount(name, 1, 0, "requires at least one string")
	}
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a)
	}
	if opts.AutoCRLF {
		b.WriteString("\r\n")
	}
	s := b.String()
	if opts.CRLFReplace != "" {
		s = strings.ReplaceAll(s, opts.CRLFReplace, "\r\n")
	}
	if opts.EmptyReplace != "" {
		s = strings.ReplaceAll(s, opts.EmptyReplace, "")
	}
	return s, nil
}

var envRefRe = regexp.MustCompile(`%(\w+)%`)

// expand substitutes %NAME% with the environment variable NAME, or with
// the script name for ZTELNET_SCRIPT_NAME.  Unknown names stay as they
// are.
func (e *Engine) expand(line string) string {
	return envRefRe.ReplaceAllStringFunc(line, func(ref string) string {
		name := ref[1 : len(ref)-1]
		if v, ok := e.lookupEnv(name); ok {
			return v
		}
		if name == config.VarScriptName && e.script != nil && e.script.name != "" {
			return e.script.name
		}
		return ref
	})
}
