package cmd

import (
	"fmt"
	"io"

	"github.com/paulschiretz/rumar/pkg/config"
)

// RunListProfiles prints the active profiles of the settings file, one per
// line. With -write-example, an example settings file is written first.
func RunListProfiles(w io.Writer, flagMap map[string]any) error {
	path, _ := flagMap["config"].(string)
	if writeExample, _ := flagMap["write-example"].(bool); writeExample {
		target := path
		if target == "" {
			var err error
			if target, err = config.DefaultPath(); err != nil {
				return err
			}
		}
		if err := config.Generate(target); err != nil {
			return err
		}
		path = target
	}

	profiles, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, name := range profiles.Names() {
		s, _ := profiles.Get(name)
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", name, s.SourceDir, s.BackupBaseDirForProfile); err != nil {
			return err
		}
	}
	return nil
}
