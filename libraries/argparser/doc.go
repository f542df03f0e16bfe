// Package argparser is a small getopt-style command line parser used by
// cmd/qservctl and cmd/qserv-worker: named options with a long form (--name) and a
// one-character abbreviation (-n), optional "=value"/":value" attachment on
// the long form, and a remaining list of positional arguments.
package argparser
