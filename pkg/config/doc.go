// Package config loads cookbooks: CUE recipes, YAML attribute files and the
// guard predicates attached to resource declarations.
//
// # Cookbook layout
//
//	recipes/base.cue           recipe "base"
//	recipes/mysql/default.cue  recipe "mysql"
//	recipes/mysql/server.cue   recipe "mysql::server"
//	attributes/*.yaml          default attribute layer, loaded in lexical order
//	templates/*                template sources for the template provider
//
// # Recipes
//
// A recipe is a CUE file. The merged attribute view is in scope as node:
//
//	include: ["base"]
//
//	set_unless: {
//		"mysql.port": 3306
//	}
//
//	resources: [
//		{
//			type:   "package"
//			name:   "mysql-server"
//			action: "install"
//		},
//		{
//			type: "template"
//			name: "\(node.mysql.conf_dir)/my.cnf"
//			properties: source: "my.cnf.tmpl"
//			notifies: [{action: "restart", resource: "service[mysql]"}]
//		},
//		{
//			type:   "service"
//			name:   "mysql"
//			action: ["enable", "start"]
//		},
//	]
//
// Includes are evaluated first, depth-first, and each recipe is evaluated at
// most once per load. set_unless writes computed attributes before the rest
// of the recipe is evaluated, so a recipe may reference the values it
// defaults.
//
// # Guards
//
// only_if and not_if accept a command string, an object, or a list of either:
//
//	only_if: "test -f /etc/mysql/debian.cnf"
//	not_if: [{path: "/var/lib/mysql/ibdata1"}, {attribute: "mysql.skip", equals: true}]
//	only_if: {starlark: "attr('platform_family') == 'debian' and exists('/usr/bin/apt')"}
//
// creates: PATH is shorthand for a not_if path guard.
package config
