package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
)

// MacroDefs collects repeated -D name=value definitions for the
// configuration file.
type MacroDefs map[string]string

func (m MacroDefs) String() string {
	defs := make([]string, 0, len(m))
	for name, value := range m {
		defs = append(defs, name+"="+value)
	}
	sort.Strings(defs)
	return strings.Join(defs, ",")
}

func (m MacroDefs) Set(s string) error {
	i := strings.Index(s, "=")
	if i <= 0 {
		return fmt.Errorf("macro definition %q not in name=value form", s)
	}
	m[s[:i]] = s[i+1:]
	return nil
}

type Options struct {
	ConfigPath string
	Debug      bool
	Help       bool
	Macros     MacroDefs
}

func NewOptions() *Options {
	return &Options{
		ConfigPath: DefaultConfigPath,
		Macros:     make(MacroDefs),
	}
}

func (o *Options) SetFlags() *Options {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: flowd [options]\n")
		fmt.Fprintf(os.Stderr, "Valid commandline options:\n")
		fmt.Fprintf(os.Stderr, "  -d              Don't daemonise; verbose flow logging\n")
		fmt.Fprintf(os.Stderr, "  -h              Display this help\n")
		fmt.Fprintf(os.Stderr, "  -D name=value   Define configuration macro\n")
		fmt.Fprintf(os.Stderr, "  -f path         Configuration file (default: %s)\n", DefaultConfigPath)
	}

	flag.BoolVar(&o.Debug, "d", o.Debug, "don't daemonise; verbose flow logging")
	flag.BoolVar(&o.Help, "h", o.Help, "display this help")
	flag.Var(o.Macros, "D", "define configuration macro name=value")
	flag.StringVar(&o.ConfigPath, "f", o.ConfigPath, "configuration file path")
	flag.Parse()

	return o
}
