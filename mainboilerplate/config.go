package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Version and BuildDate of the program, set at link time.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// ConfigRootEnv names an environment variable of an additional directory
// searched for an INI configuration file.
const ConfigRootEnv = "CLAIMSINK_CONFIG_ROOT"

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// An INI file matching |configName| is searched for in:
//   - The current working directory.
//   - ~/.config/claimsink (under the user's $HOME or %UserProfile% directory).
//   - $CLAIMSINK_CONFIG_ROOT
func MustParseConfig(parser *flags.Parser, configName string) {
	// Allow unknown options while parsing an INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, dir := range configDirs() {
		var path = filepath.Join(dir, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// Restore original options for parsing argument flags.
	parser.Options = origOptions
	MustParseArgs(parser)
}

func configDirs() []string {
	var out = []string{"."}
	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			out = append(out, filepath.Join(home, ".config", "claimsink"))
		}
	}
	if root := os.Getenv(ConfigRootEnv); root != "" {
		out = append(out, root)
	}
	return out
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		// A command's Execute failed.
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A problem of the parsed configuration struct, rather than of input.
		panic(err)

	case flags.ErrCommandRequired, flags.ErrHelp:
		if flagErr.Type == flags.ErrCommandRequired || parser.Options&flags.PrintErrors == 0 {
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		os.Exit(1)

	default:
		// go-flags has already printed a description of the input error.
		os.Exit(1)
	}
}

// AddPrintConfigCmd to the Parser. The "print-config" command writes the
// combined runtime configuration in INI format, which can be used as a
// starting |configName| file.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
