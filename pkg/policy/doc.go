// Package policy checks resource declarations against Rego policies before a
// run starts.
//
// Every enabled policy is evaluated once per declared resource with an input
// document of the form:
//
//	{
//	  "resource": {
//	    "id": "file[/etc/motd]", "type": "file", "name": "/etc/motd",
//	    "actions": ["create"], "properties": {"mode": "0644"},
//	    "guards": [], "notifies": [], "subscribes": [],
//	    "ignore_failure": false, "recipe": "base"
//	  },
//	  "context": {"operation": "run", "dry_run": false, "run_list": ["base"]}
//	}
//
// Violations are read from the deny set of the policy's package. An entry is
// either a message string or an object with message, severity, resource and
// remediation keys:
//
//	# Packages must pin a version on production hosts.
//	# severity: error
//	package site.packages
//
//	import rego.v1
//
//	deny contains msg if {
//		input.resource.type == "package"
//		not input.resource.properties.version
//		msg := "package version must be pinned"
//	}
//
// Violations of severity error or critical block the run. Info and warning
// violations are reported only.
//
// Built-in policies:
//
//   - world-writable-mode (error): modes writable by others, unless sticky
//   - unguarded-command (warning): execute or bash without a guard
//   - unpinned-upgrade (info): package upgrade without a version
//   - protected-path (critical): deleting system directories
package policy
