package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const starterCUE = `// Environment spec for %[1]s. Relative paths resolve against this file.
environment: {
	name:       %[1]q
	base_image: "ubuntu:24.04"

	mounts: [{
		host:      "."
		container: "/workspace"
	}]

	ports: [{
		host:      8080
		container: 8080
	}]

	env: {
		TERM: "xterm-256color"
	}

	workdir: "/workspace"
	command: ["sleep", "infinity"]
}
`

const starterYAML = `# Environment spec for %[1]s. Relative paths resolve against this file.
environment:
  name: %[1]q
  base_image: ubuntu:24.04
  mounts:
    - host: .
      container: /workspace
  ports:
    - host: 8080
      container: 8080
  env:
    TERM: xterm-256color
  workdir: /workspace
  command: [sleep, infinity]
`

// StarterSpec returns a starter spec document for name.
func StarterSpec(name string, format Format) ([]byte, error) {
	switch format {
	case FormatCUE:
		return []byte(fmt.Sprintf(starterCUE, name)), nil
	case FormatYAML:
		return []byte(fmt.Sprintf(starterYAML, name)), nil
	default:
		return nil, format.Validate()
	}
}

// WriteStarterSpec writes a starter spec for name into dir and returns its
// path. An existing file is never overwritten.
func WriteStarterSpec(dir, name string, format Format) (string, error) {
	content, err := StarterSpec(name, format)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spec directory: %w", err)
	}

	path := filepath.Join(dir, name+"."+string(format))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, f.Close()
}
