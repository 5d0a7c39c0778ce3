package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/rumar/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	Config      *string
	LogLevel    *string
	Profiles    *listFlag
	AllProfiles *bool

	// Create
	Workers *int

	// Extract
	Directory     *string
	TopArchiveDir *string
	Overwrite     *bool
	MetaDiff      *bool

	// Sweep
	DryRun *bool

	// List profiles
	WriteExample *string
}

// listFlag collects a repeatable flag whose values may also be comma
// separated lists.
type listFlag []string

func (l *listFlag) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(s string) error {
	*l = append(*l, ParseList(s)...)
	return nil
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Config = fs.String("config", "", "Path to the settings file. Defaults to <user config dir>/rumar/rumar.toml.")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'trace', 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Profiles = new(listFlag)
	fs.Var(f.Profiles, "profile", "Profile to process. Repeatable, or a comma-separated list.")
	f.AllProfiles = fs.Bool("all-profiles", false, "Process every profile of the settings file.")
}

func registerCreateFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Workers = fs.Int("workers", 1, "Number of profiles processed in parallel.")
}

func registerExtractFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Directory = fs.String("directory", "", "Extract into this directory instead of the profile's source directory.")
	f.TopArchiveDir = fs.String("top-archive-dir", "", "Only extract archives below this directory of the backup tree.")
	f.Overwrite = fs.Bool("overwrite", false, "Overwrite existing files without asking.")
	f.MetaDiff = fs.Bool("meta-diff", false, "Only report mtime and size differences between existing files and their archives.")
}

func registerSweepFlags(fs *flag.FlagSet, f *cliFlags) {
	f.DryRun = fs.Bool("dry-run", false, "Show which archives would be removed without removing them.")
}

func registerListProfilesFlags(fs *flag.FlagSet, f *cliFlags) {
	f.WriteExample = fs.String("write-example", "", "Write an example settings file to this path.")
}

var descriptions = map[Command]string{
	Create:       "Archive new and changed files of the selected profiles.",
	Extract:      "Extract the latest archive of every file of the selected profiles.",
	Sweep:        "Remove archives that exceed the retention policy.",
	ListProfiles: "Print the profiles of the settings file.",
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// a map holding the flags that were explicitly set.
func Parse(args []string) (Command, map[string]any, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	switch command {
	case Create:
		registerCreateFlags(fs, f)
	case Extract:
		registerExtractFlags(fs, f)
	case Sweep:
		registerSweepFlags(fs, f)
	case ListProfiles:
		registerListProfilesFlags(fs, f)
	}
	fs.Usage = func() {
		printSubcommandUsage(command, descriptions[command], fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %s", command, strings.Join(fs.Args(), " "))
	}

	flagMap := flagsToMap(fs, f)
	if command != ListProfiles {
		if err := validateProfileSelection(flagMap); err != nil {
			return command, nil, err
		}
	}
	return command, flagMap, nil
}

// validateProfileSelection requires exactly one of -profile and -all-profiles.
func validateProfileSelection(flagMap map[string]any) error {
	_, hasProfile := flagMap["profile"]
	all, _ := flagMap["all-profiles"].(bool)
	switch {
	case hasProfile && all:
		return fmt.Errorf("-profile and -all-profiles are mutually exclusive")
	case !hasProfile && !all:
		return fmt.Errorf("either -profile or -all-profiles is required")
	}
	return nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	// Only the flags explicitly set by the user are returned so they can
	// selectively override the settings file.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "all-profiles", f.AllProfiles)
	if f.Profiles != nil && usedFlags["profile"] && len(*f.Profiles) > 0 {
		flagMap["profile"] = []string(*f.Profiles)
	}

	addIfUsed(flagMap, usedFlags, "workers", f.Workers)

	addIfUsed(flagMap, usedFlags, "directory", f.Directory)
	addIfUsed(flagMap, usedFlags, "top-archive-dir", f.TopArchiveDir)
	addIfUsed(flagMap, usedFlags, "overwrite", f.Overwrite)
	addIfUsed(flagMap, usedFlags, "meta-diff", f.MetaDiff)

	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)

	addIfUsed(flagMap, usedFlags, "write-example", f.WriteExample)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A file-by-file archiving backup utility.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  create         Archive new and changed files\n")
	fmt.Fprintf(fs.Output(), "  extract        Extract the latest archives\n")
	fmt.Fprintf(fs.Output(), "  sweep          Remove archives exceeding the retention policy\n")
	fmt.Fprintf(fs.Output(), "  list-profiles  Print the configured profiles\n")
	fmt.Fprintf(fs.Output(), "  version        Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A file-by-file archiving backup utility.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseList parses a comma-separated list. Single (') and double (") quotes
// group items containing commas or spaces and are removed. Backslashes are
// literal so that windows paths survive.
func ParseList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
			} else if quoteChar == r {
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
