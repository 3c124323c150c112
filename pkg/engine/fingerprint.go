package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/devenv/pkg/envspec"
)

// FingerprintPrefix prefixes every fingerprint with its digest algorithm.
const FingerprintPrefix = "sha256:"

// FingerprintOptions controls what contributes to a fingerprint.
type FingerprintOptions struct {
	// HashBuildContext mixes the contents of the build context directory
	// into the fingerprint so that edits to context files trigger a rebuild.
	HashBuildContext bool
}

// fingerprintInput is the canonical form that gets hashed. Field order is
// fixed by the struct and encoding/json sorts map keys.
type fingerprintInput struct {
	BaseImage     string                `json:"base_image"`
	Build         *envspec.BuildContext `json:"build,omitempty"`
	Mounts        []envspec.Mount       `json:"mounts"`
	Ports         []envspec.PortMapping `json:"ports"`
	Env           map[string]string     `json:"env"`
	Command       []string              `json:"command"`
	WorkDir       string                `json:"workdir"`
	Hostname      string                `json:"hostname"`
	ContextDigest string                `json:"context_digest,omitempty"`
}

// Fingerprint returns the deterministic digest of the spec's semantically
// relevant fields. Name and Description do not contribute.
func Fingerprint(spec *envspec.EnvironmentSpec) string {
	sum := sha256.Sum256(canonical(spec, ""))
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// FingerprintWithOptions is Fingerprint with optional build context hashing.
func FingerprintWithOptions(spec *envspec.EnvironmentSpec, opts FingerprintOptions) (string, error) {
	if !opts.HashBuildContext || spec.Build == nil || spec.Build.Path == "" {
		return Fingerprint(spec), nil
	}

	digest, err := hashDir(spec.Build.Path)
	if err != nil {
		return "", fmt.Errorf("failed to hash build context: %w", err)
	}
	sum := sha256.Sum256(canonical(spec, digest))
	return FingerprintPrefix + hex.EncodeToString(sum[:]), nil
}

// ShortFingerprint returns the first 12 hex digits, suitable for tags.
func ShortFingerprint(fp string) string {
	h := strings.TrimPrefix(fp, FingerprintPrefix)
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func canonical(spec *envspec.EnvironmentSpec, contextDigest string) []byte {
	var ports []envspec.PortMapping
	if len(spec.Ports) > 0 {
		ports = append(ports, spec.Ports...)
	}
	sort.Slice(ports, func(i, j int) bool {
		return ports[i].HostPort < ports[j].HostPort
	})

	var env map[string]string
	if len(spec.Env) > 0 {
		env = spec.Env
	}

	in := fingerprintInput{
		BaseImage:     spec.BaseImage,
		Build:         spec.Build,
		Mounts:        nilIfEmpty(spec.Mounts),
		Ports:         ports,
		Env:           env,
		Command:       nilIfEmpty(spec.Command),
		WorkDir:       spec.WorkDir,
		Hostname:      spec.Hostname,
		ContextDigest: contextDigest,
	}

	// Marshalling plain strings, ints, slices and maps cannot fail.
	data, _ := json.Marshal(in)
	return data
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

// hashDir digests relative paths, modes and contents of every regular file
// under root in lexical order. VCS metadata is skipped.
func hashDir(root string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", filepath.ToSlash(rel), info.Mode().Perm())

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
