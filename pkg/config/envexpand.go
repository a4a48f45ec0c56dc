package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax to avoid collision with $ in connection strings
// and passwords, which are common in this file.
//
// Examples:
//   - {{.MONGODB_URI}} → value of the MONGODB_URI environment variable
//   - {{.REDIS_HOST}}:{{.REDIS_PORT}} → hostname:port with both expanded
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty. Malformed templates pass the original data
// through so the YAML parser reports the clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on the first = to handle values containing =.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
