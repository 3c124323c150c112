package policy

// BuiltinSource marks policies compiled into the binary.
const BuiltinSource = "builtin"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		hostMountsPolicy(),
		baseImagePolicy(),
		privilegedPortsPolicy(),
		plaintextSecretsPolicy(),
	}
}

// hostMountsPolicy rejects bind mounts that hand the container control of
// the host.
func hostMountsPolicy() Policy {
	return Policy{
		Name:        "host-mounts",
		Description: "Rejects mounts of the host root, system directories and the Docker socket",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package devenv.policies.mounts

import rego.v1

protected := {"/", "/etc", "/proc", "/sys", "/dev", "/boot", "/var/lib/docker"}

sockets := {"/var/run/docker.sock", "/run/docker.sock"}

deny contains violation if {
	some i
	mount := input.environment.mounts[i]
	protected[mount.host_path]
	violation := {
		"message": sprintf("host path %s must not be mounted", [mount.host_path]),
		"field": sprintf("mounts[%d]", [i]),
	}
}

deny contains violation if {
	some i
	mount := input.environment.mounts[i]
	sockets[mount.host_path]
	violation := {
		"message": "mounting the Docker socket grants root on the host",
		"field": sprintf("mounts[%d]", [i]),
		"severity": "critical",
	}
}
`,
	}
}

// baseImagePolicy warns about base images that float.
func baseImagePolicy() Policy {
	return Policy{
		Name:        "base-image-pinned",
		Description: "Warns when the base image has no tag or uses latest",
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package devenv.policies.image

import rego.v1

image := input.environment.base_image

untagged if {
	not contains(image, "@")
	parts := split(image, "/")
	last := parts[count(parts) - 1]
	not contains(last, ":")
}

deny contains violation if {
	untagged
	violation := {
		"message": sprintf("base image %s has no tag; rebuilds may pick up a different image", [image]),
		"field": "base_image",
	}
}

deny contains violation if {
	endswith(image, ":latest")
	violation := {
		"message": sprintf("base image %s uses the latest tag", [image]),
		"field": "base_image",
	}
}
`,
	}
}

// privilegedPortsPolicy warns about host ports below 1024.
func privilegedPortsPolicy() Policy {
	return Policy{
		Name:        "privileged-ports",
		Description: "Warns when a host port below 1024 is published",
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package devenv.policies.ports

import rego.v1

deny contains violation if {
	some i
	port := input.environment.ports[i]
	port.host_port < 1024
	violation := {
		"message": sprintf("host port %d is privileged and may need elevated rights", [port.host_port]),
		"field": sprintf("ports[%d]", [i]),
	}
}
`,
	}
}

// plaintextSecretsPolicy warns about secrets written into the spec.
func plaintextSecretsPolicy() Policy {
	return Policy{
		Name:        "plaintext-secrets",
		Description: "Warns when an environment variable that looks like a secret has a literal value",
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package devenv.policies.secrets

import rego.v1

markers := ["PASSWORD", "SECRET", "TOKEN", "API_KEY", "PRIVATE_KEY"]

deny contains violation if {
	some key, value in input.environment.env
	some marker in markers
	contains(upper(key), marker)
	value != ""
	violation := {
		"message": sprintf("%s appears to hold a secret in plain text", [key]),
		"field": sprintf("env.%s", [key]),
	}
}
`,
	}
}
