package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		cronNamePolicy(),
		cronCommandPolicy(),
		cronSchedulePolicy(),
	}
}

// cronNamePolicy rejects names the record codec cannot store.
func cronNamePolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "cron-name",
		Description: "Cron entry names must fit on a single name line",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"cron", "naming"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package converge.policies.cron.name

import rego.v1

deny contains violation if {
	resource := input.resource
	resource.type == "cron"
	regex.match("[\\r\\n]", resource.name)
	violation := {
		"message": "name must not contain line breaks",
		"resource": resource.key,
	}
}

deny contains violation if {
	resource := input.resource
	resource.type == "cron"
	trim_space(resource.name) != resource.name
	violation := {
		"message": sprintf("name %q has leading or trailing whitespace", [resource.name]),
		"resource": resource.key,
	}
}`,
	}
}

// cronCommandPolicy flags commands that depend on the cron PATH.
func cronCommandPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "cron-command",
		Description: "Cron commands should be absolute paths",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"cron", "command"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package converge.policies.cron.command

import rego.v1

deny contains violation if {
	resource := input.resource
	resource.type == "cron"
	resource.ensure != "absent"
	command := resource.properties.command
	is_string(command)
	not startswith(command, "/")
	violation := {
		"message": sprintf("command %q is not an absolute path", [command]),
		"resource": resource.key,
	}
}

deny contains violation if {
	resource := input.resource
	resource.type == "cron"
	resource.ensure != "absent"
	not has_command(resource)
	violation := {
		"message": "no command declared; an existing entry's command is kept",
		"resource": resource.key,
		"severity": "info",
	}
}

has_command(resource) if {
	resource.properties.command != null
}`,
	}
}

// cronSchedulePolicy flags present entries that would run every minute.
func cronSchedulePolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "cron-schedule",
		Description: "Cron entries without a schedule run every minute",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"cron", "schedule"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package converge.policies.cron.schedule

import rego.v1

schedule_fields := ["minute", "hour", "monthday", "month", "weekday"]

restricted(props, field) if {
	value := props[field]
	value != null
	value != "*"
}

deny contains violation if {
	resource := input.resource
	resource.type == "cron"
	resource.ensure == "present"
	not resource.properties.special
	every field in schedule_fields {
		not restricted(resource.properties, field)
	}
	violation := {
		"message": "no schedule declared; the entry runs every minute",
		"resource": resource.key,
	}
}`,
	}
}
