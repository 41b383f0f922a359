package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content using the
// standard library, before parsing. Missing variables expand to empty
// string; Validate is expected to catch required fields left empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
