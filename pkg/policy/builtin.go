package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		worldWritableModePolicy(),
		unguardedCommandPolicy(),
		unpinnedUpgradePolicy(),
		protectedPathPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		Rego:        rego,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// worldWritableModePolicy rejects file modes writable by everyone. Sticky
// directories such as /tmp are allowed.
func worldWritableModePolicy() Policy {
	return builtin(
		"world-writable-mode",
		"Rejects file, directory and template modes that are writable by everyone",
		SeverityError,
		[]string{"security", "files"},
		`package galley.policies.modes

import rego.v1

world_writable(mode) if {
	is_string(mode)
	regex.match("^0?[0-7]{3,4}$", mode)
	substring(mode, count(mode) - 1, 1) in {"2", "3", "6", "7"}
}

sticky(mode) if {
	m := trim_left(mode, "0")
	count(m) == 4
	substring(m, 0, 1) in {"1", "3", "5", "7"}
}

deny contains violation if {
	resource := input.resource
	mode := resource.properties.mode
	world_writable(mode)
	not sticky(mode)
	violation := {
		"message": sprintf("mode %s is world-writable", [mode]),
		"severity": "error",
		"resource": resource.id,
		"remediation": "remove the write bit for others or set the sticky bit",
	}
}
`)
}

// unguardedCommandPolicy warns about commands that run on every pass.
func unguardedCommandPolicy() Policy {
	return builtin(
		"unguarded-command",
		"Warns when an execute or bash resource runs on every pass without a guard",
		SeverityWarning,
		[]string{"idempotence"},
		`package galley.policies.commands

import rego.v1

deny contains violation if {
	resource := input.resource
	resource.type in {"execute", "bash"}
	count(resource.guards) == 0
	not "nothing" in resource.actions
	violation := {
		"message": "command runs on every pass; add only_if, not_if or creates",
		"severity": "warning",
		"resource": resource.id,
	}
}
`)
}

// unpinnedUpgradePolicy notes package upgrades that follow the repository head.
func unpinnedUpgradePolicy() Policy {
	return builtin(
		"unpinned-upgrade",
		"Notes package upgrades without a pinned version",
		SeverityInfo,
		[]string{"packages"},
		`package galley.policies.packages

import rego.v1

deny contains violation if {
	resource := input.resource
	resource.type == "package"
	"upgrade" in resource.actions
	not resource.properties.version
	violation := {
		"message": "upgrade follows the newest available version",
		"severity": "info",
		"resource": resource.id,
	}
}
`)
}

// protectedPathPolicy blocks deletion of system directories.
func protectedPathPolicy() Policy {
	return builtin(
		"protected-path",
		"Blocks deleting system directories",
		SeverityCritical,
		[]string{"security", "files"},
		`package galley.policies.paths

import rego.v1

protected := {"/", "/bin", "/boot", "/etc", "/home", "/lib", "/root", "/sbin", "/usr", "/var"}

target_path(resource) := path if {
	path := resource.properties.path
}

target_path(resource) := resource.name if {
	not resource.properties.path
}

deny contains violation if {
	resource := input.resource
	resource.type in {"file", "directory", "link"}
	"delete" in resource.actions
	path := target_path(resource)
	path in protected
	violation := {
		"message": sprintf("refusing to delete system path %s", [path]),
		"severity": "critical",
		"resource": resource.id,
	}
}
`)
}
