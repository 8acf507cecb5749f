// Package policy provides Open Policy Agent (OPA) admission checks for
// desired sets.
//
// An Engine compiles Rego policies and evaluates each enabled policy against
// every resource of a desired set before the converger touches a provider.
// It implements engine.Admitter:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	conv := engine.NewConverger(registry, engine.WithAdmitter(eng))
//
// # Writing policies
//
// A policy package defines a deny set. Entries are either strings or objects
// with message, resource and severity fields. The input is
//
//	{
//	  "resource": {"key", "type", "name", "target", "provider", "ensure", "properties"},
//	  "context":  {"timestamp", "operation", "resources"}
//	}
//
// where properties hold strings, string arrays, or null for absent values.
//
//	package site.cron
//
//	# Reports must not run at noon
//	# severity: error
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.resource.properties.hour == "12"
//	    msg := "no noon jobs"
//	}
//
// Violations with error or critical severity reject the run. Warning and
// info violations are logged.
//
// # Built-in policies
//
//   - cron-name: names must fit on one line without surrounding whitespace
//   - cron-command: commands should be absolute paths
//   - cron-schedule: present entries should not run every minute
//
// # Loading
//
// Loader reads .rego files and JSON or YAML policy documents, either one
// policy or a bundle under a policies key. In .rego files the first comment
// block is the description, and "# severity:" and "# tags:" comments set
// those fields. Engine.Watch reloads the engine when a file changes.
package policy
