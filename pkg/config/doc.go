// Package config loads desired-resource manifests.
//
// A manifest declares resources together with the bindings the engine
// resolves them against: per-type default providers and targets, extra root
// bindings, and the purge scopes of a run.
//
//	defaults:
//	  cron:
//	    provider: crontab
//	    target: alice
//	resources:
//	  - type: cron
//	    name: backup
//	    properties:
//	      command: /usr/local/bin/backup
//	      hour: 2
//	      minute: 0
//	purge:
//	  - type: cron
//
// Manifests are written in YAML, JSON, CUE or Starlark. CUE manifests are
// unified with the #Manifest definition of the schema registry, so only
// hidden fields and definitions may be added at the top level. Starlark
// manifests assign the same top-level names as globals. They see the
// --var values as vars and may call the resource and purge builtins and
// the json module:
//
//	resources = [
//	    resource("cron", "rotate-%d" % i, command = "/bin/rotate", hour = i)
//	    for i in range(3)
//	]
//	purge = [purge("cron", target = vars["user"])]
//
// Loader.Load reads files and directories, merges the manifests and
// validates the result. Resources and purge scopes are appended in file
// order; conflicting defaults, bindings or purge filters are errors.
package config
