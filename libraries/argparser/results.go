package argparser

import "strconv"

// ArgParseResults is the outcome of a successful ArgParser.Parse: bound
// option values plus the leftover positional arguments.
type ArgParseResults struct {
	options map[string]string
	Args    []string
	parser  *ArgParser
	maxArgs int
}

// GetValue returns the raw string value bound to name, if any.
func (r *ArgParseResults) GetValue(name string) (string, bool) {
	v, ok := r.options[name]
	return v, ok
}

// MustGetValue returns the value bound to name, panicking if it wasn't
// supplied. Intended for options a caller has already checked with
// Contains/ContainsAll.
func (r *ArgParseResults) MustGetValue(name string) string {
	v, ok := r.options[name]
	if !ok {
		panic("argparser: no value for `" + name + "'")
	}
	return v
}

// GetValueOrDefault returns the value bound to name, or def if it wasn't
// supplied.
func (r *ArgParseResults) GetValueOrDefault(name, def string) string {
	if v, ok := r.options[name]; ok {
		return v
	}
	return def
}

// GetInt parses the value bound to name as a base-10 integer.
func (r *ArgParseResults) GetInt(name string) (int, bool) {
	v, ok := r.options[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetIntOrDefault is GetInt with a fallback for a missing or unparsable
// value.
func (r *ArgParseResults) GetIntOrDefault(name string, def int) int {
	if n, ok := r.GetInt(name); ok {
		return n
	}
	return def
}

// Contains reports whether name was supplied.
func (r *ArgParseResults) Contains(name string) bool {
	_, ok := r.options[name]
	return ok
}

// ContainsAll reports whether every name in names was supplied.
func (r *ArgParseResults) ContainsAll(names ...string) bool {
	for _, n := range names {
		if !r.Contains(n) {
			return false
		}
	}
	return true
}

// ContainsAny reports whether at least one name in names was supplied.
func (r *ArgParseResults) ContainsAny(names ...string) bool {
	for _, n := range names {
		if r.Contains(n) {
			return true
		}
	}
	return false
}

// NArg returns the number of positional arguments.
func (r *ArgParseResults) NArg() int { return len(r.Args) }

// Arg returns the i'th positional argument.
func (r *ArgParseResults) Arg(i int) string { return r.Args[i] }

// AnyFlagsEqualTo returns the set of registered flag-type options whose
// presence matches want (true: supplied, false: not supplied).
func (r *ArgParseResults) AnyFlagsEqualTo(want bool) *Set {
	s := NewSet()
	for _, opt := range r.parser.options {
		if opt.OptionType != OptionalFlag {
			continue
		}
		if r.Contains(opt.Name) == want {
			s.Add(opt.Name)
		}
	}
	return s
}

// FlagsEqualTo returns the subset of names whose presence matches want.
func (r *ArgParseResults) FlagsEqualTo(names []string, want bool) *Set {
	s := NewSet()
	for _, n := range names {
		if r.Contains(n) == want {
			s.Add(n)
		}
	}
	return s
}

// DropValue returns a copy of r with name's binding removed.
func (r *ArgParseResults) DropValue(name string) *ArgParseResults {
	cp := map[string]string{}
	for k, v := range r.options {
		if k != name {
			cp[k] = v
		}
	}
	return &ArgParseResults{options: cp, Args: r.Args, parser: r.parser, maxArgs: r.maxArgs}
}

// Set is a minimal string set, used for ArgParseResults' flag-set queries.
type Set struct {
	m map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set { return &Set{m: map[string]struct{}{}} }

// Add inserts s into the set.
func (set *Set) Add(s string) { set.m[s] = struct{}{} }

// Contains reports whether s is in the set.
func (set *Set) Contains(s string) bool {
	_, ok := set.m[s]
	return ok
}

// Size returns the number of elements in the set.
func (set *Set) Size() int { return len(set.m) }
