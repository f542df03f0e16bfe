package argparser

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// NoPositionalArgsLimit marks an ArgParser with no fixed bound on the number
// of positional (non-option) arguments it accepts.
const NoPositionalArgsLimit = -1

// ErrHelp is returned when the parsed arguments request `-h`/`--help`.
var ErrHelp = errors.New("Help")

// UnknownArgumentParam reports an option name or abbreviation the ArgParser
// doesn't recognize.
type UnknownArgumentParam struct {
	Name string
}

func (e UnknownArgumentParam) Error() string {
	return "error: unknown option `" + e.Name + "'"
}

// ArgParser parses a command's argv into named options and positional
// arguments.
type ArgParser struct {
	name     string
	maxArgs  int
	options  []*Option
	byName   map[string]*Option
	byAbbrev map[string]*Option
}

// NewArgParserWithVariableArgs returns an ArgParser that accepts any number
// of positional arguments.
func NewArgParserWithVariableArgs(name string) *ArgParser {
	return NewArgParserWithMaxArgs(name, NoPositionalArgsLimit)
}

// NewArgParserWithMaxArgs returns an ArgParser that rejects more than
// maxArgs positional arguments.
func NewArgParserWithMaxArgs(name string, maxArgs int) *ArgParser {
	return &ArgParser{
		name:     name,
		maxArgs:  maxArgs,
		byName:   map[string]*Option{},
		byAbbrev: map[string]*Option{},
	}
}

// SupportOption registers opt, indexed by both its name and (if set) its
// abbreviation.
func (ap *ArgParser) SupportOption(opt *Option) *ArgParser {
	ap.options = append(ap.options, opt)
	ap.byName[opt.Name] = opt
	if opt.Abbrev != "" {
		ap.byAbbrev[opt.Abbrev] = opt
	}
	return ap
}

// SupportsFlag registers a boolean switch.
func (ap *ArgParser) SupportsFlag(name, abbrev, desc string) *ArgParser {
	return ap.SupportOption(&Option{Name: name, Abbrev: abbrev, OptionType: OptionalFlag, Desc: desc})
}

// SupportsString registers a single-valued option.
func (ap *ArgParser) SupportsString(name, abbrev, valDesc, desc string) *ArgParser {
	return ap.SupportOption(&Option{Name: name, Abbrev: abbrev, ValDesc: valDesc, OptionType: OptionalValue, Desc: desc})
}

// SupportsInt registers a single-valued option whose value is validated as
// an integer (validation deferred to ArgParseResults.GetInt).
func (ap *ArgParser) SupportsInt(name, abbrev, valDesc, desc string) *ArgParser {
	return ap.SupportOption(&Option{Name: name, Abbrev: abbrev, ValDesc: valDesc, OptionType: OptionalValue, Desc: desc})
}

// SupportsList registers a value option that greedily consumes every
// subsequent non-option token, joining them with commas.
func (ap *ArgParser) SupportsList(name, abbrev, valDesc, desc string) *ArgParser {
	return ap.SupportOption(&Option{Name: name, Abbrev: abbrev, ValDesc: valDesc, OptionType: OptionalValue, Desc: desc, listType: true})
}

func isOptionToken(s string) bool {
	return strings.HasPrefix(s, "-") && s != "-"
}

// Parse consumes args, returning the bound option values and the leftover
// positional arguments.
func (ap *ArgParser) Parse(args []string) (*ArgParseResults, error) {
	options := map[string]string{}
	lists := map[string][]string{}
	var positional []string

	i := 0
	for i < len(args) {
		arg := args[i]

		switch {
		case arg == "-h" || arg == "--help":
			return nil, ErrHelp

		case strings.HasPrefix(arg, "--"):
			next, err := ap.parseLong(arg[2:], args, i, options, lists)
			if err != nil {
				return nil, err
			}
			i = next

		case isOptionToken(arg):
			next, err := ap.parseShort(arg[1:], args, i, options, lists)
			if err != nil {
				return nil, err
			}
			i = next

		default:
			positional = append(positional, arg)
			i++
		}
	}

	for name, vals := range lists {
		options[name] = strings.Join(vals, ",")
	}

	if ap.maxArgs != NoPositionalArgsLimit && len(positional) > ap.maxArgs {
		return nil, errors.Errorf("error: %s has too many positional arguments. Expected at most %d, found %d: %s",
			ap.name, ap.maxArgs, len(positional), strings.Join(positional, ", "))
	}

	return &ArgParseResults{options: options, Args: positional, parser: ap, maxArgs: ap.maxArgs}, nil
}

// parseLong handles one "--name", "--name=value", "--name:value" token,
// returning the index of the next unconsumed arg.
func (ap *ArgParser) parseLong(body string, args []string, i int, options map[string]string, lists map[string][]string) (int, error) {
	name := body
	value := ""
	hasValue := false
	if idx := strings.IndexAny(body, "=:"); idx >= 0 {
		name = body[:idx]
		value = body[idx+1:]
		hasValue = true
	}

	opt, ok := ap.byName[name]
	if !ok {
		return 0, UnknownArgumentParam{Name: body}
	}

	if opt.OptionType == OptionalFlag {
		if hasValue {
			return 0, errors.Errorf("error: option `%s' does not take a value", name)
		}
		if err := bindFlag(opt, options); err != nil {
			return 0, err
		}
		return i + 1, nil
	}

	if opt.listType {
		next := i + 1
		if hasValue {
			lists[opt.Name] = append(lists[opt.Name], value)
		}
		for next < len(args) && !isOptionToken(args[next]) {
			lists[opt.Name] = append(lists[opt.Name], args[next])
			next++
		}
		return next, nil
	}

	if hasValue {
		if err := bindValue(opt, value, options); err != nil {
			return 0, err
		}
		return i + 1, nil
	}
	if i+1 >= len(args) {
		return 0, errors.Errorf("error: no value for option `%s'", name)
	}
	if err := bindValue(opt, args[i+1], options); err != nil {
		return 0, err
	}
	return i + 2, nil
}

// parseShort handles one "-x", "-xy" (clustered flags), or "-xvalue" token.
// A value-type abbreviation must be the last character in the cluster: it
// consumes the rest of the token as its value, or the next token if nothing
// remains.
func (ap *ArgParser) parseShort(body string, args []string, i int, options map[string]string, lists map[string][]string) (int, error) {
	for len(body) > 0 {
		c := body[:1]
		opt, ok := ap.byAbbrev[c]
		if !ok {
			return 0, UnknownArgumentParam{Name: c}
		}
		body = body[1:]

		if opt.OptionType == OptionalFlag {
			if err := bindFlag(opt, options); err != nil {
				return 0, err
			}
			continue
		}

		if opt.listType {
			next := i + 1
			if body != "" {
				lists[opt.Name] = append(lists[opt.Name], body)
			}
			for next < len(args) && !isOptionToken(args[next]) {
				lists[opt.Name] = append(lists[opt.Name], args[next])
				next++
			}
			return next, nil
		}

		if body != "" {
			if err := bindValue(opt, body, options); err != nil {
				return 0, err
			}
			return i + 1, nil
		}
		if i+1 >= len(args) {
			return 0, errors.Errorf("error: no value for option `%s'", opt.Name)
		}
		if err := bindValue(opt, args[i+1], options); err != nil {
			return 0, err
		}
		return i + 2, nil
	}
	return i + 1, nil
}

// Usage renders a one-option-per-line help listing, in the name of a
// command's `--help` output: the positional arg upper bound (if bounded),
// then every registered option with its abbreviation and description.
func (ap *ArgParser) Usage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "usage: %s [options]", ap.name)
	if ap.maxArgs == NoPositionalArgsLimit {
		fmt.Fprint(&b, " [args...]")
	} else if ap.maxArgs > 0 {
		fmt.Fprintf(&b, " [up to %d args]", ap.maxArgs)
	}
	b.WriteString("\n")
	for _, opt := range ap.options {
		b.WriteString("  --")
		b.WriteString(opt.Name)
		if opt.Abbrev != "" {
			b.WriteString(", -")
			b.WriteString(opt.Abbrev)
		}
		if opt.OptionType != OptionalFlag {
			b.WriteString(" <")
			b.WriteString(opt.ValDesc)
			b.WriteString(">")
		}
		if opt.Desc != "" {
			b.WriteString("\n      ")
			b.WriteString(opt.Desc)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func bindFlag(opt *Option, options map[string]string) error {
	return bindValue(opt, "", options)
}

func bindValue(opt *Option, value string, options map[string]string) error {
	if _, exists := options[opt.Name]; exists {
		return errors.Errorf("error: multiple values provided for `%s'", opt.Name)
	}
	if opt.Validation != nil {
		v, err := opt.Validation(value)
		if err != nil {
			return err
		}
		value = v
	}
	options[opt.Name] = value
	return nil
}
