package config

import "fmt"

// Validate checks a ProgramConfig for the invariants the supervisor relies
// on before it ever constructs a Child from it, at boot rather than as a
// spawn-time surprise. Unknown enum spellings are rejected earlier, by the
// loader while parsing; Validate does not check the enum fields.
func Validate(c *ProgramConfig) error {
	if c.Name == "" {
		return fmt.Errorf("config: program name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("config: program %q: command is required", c.Name)
	}
	if c.NumProcs < 1 {
		return fmt.Errorf("config: program %q: num_procs must be >= 1", c.Name)
	}
	if c.StartRetries < 0 {
		return fmt.Errorf("config: program %q: start_retries must be >= 0", c.Name)
	}
	if c.StartSecs < 0 {
		return fmt.Errorf("config: program %q: start_secs must be >= 0", c.Name)
	}
	if len(c.ExitCodes) == 0 {
		return fmt.Errorf("config: program %q: exit_codes must be non-empty", c.Name)
	}
	return nil
}

// ValidateAll checks a set of programs, additionally requiring unique names
// since the name is the addressable handle in the control protocol.
func ValidateAll(programs []ProgramConfig) error {
	seen := make(map[string]bool, len(programs))
	for i := range programs {
		c := &programs[i]
		if err := Validate(c); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("config: duplicate program name %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}
