package flagparse

import (
	"fmt"

	"github.com/paulschiretz/rumar/pkg/util"
)

// Command is the subcommand to execute.
type Command int

const (
	None Command = iota
	Create
	Extract
	Sweep
	ListProfiles
	Version
)

var commandToString = map[Command]string{
	None:         "none",
	Create:       "create",
	Extract:      "extract",
	Sweep:        "sweep",
	ListProfiles: "list-profiles",
	Version:      "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

// UsesFilters reports whether c is a command that may apply the profile
// filters. Only create, extract and sweep walk trees.
func (c Command) UsesFilters() bool {
	return c == Create || c == Extract || c == Sweep
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'create', 'extract', 'sweep', 'list-profiles' or 'version'", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Command) UnmarshalText(data []byte) error {
	parsed, err := ParseCommand(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
