// Package crontab manages cron jobs in per-user crontab files.
//
// Entries written by the engine carry a name comment ("# converge: <name>")
// on the line before the job. Unnamed jobs already present in a file are
// adopted when their command and declared schedule match a desired resource.
// Everything else in the file, including comments and unmanaged jobs, is
// preserved on write.
//
// Special keywords (@daily, @hourly, ...) are expanded into the five
// schedule fields before comparison, so "@daily" and "0 0 * * *" describe the
// same job. A resource declaring a keyword, directly or through ensure, keeps
// the keyword form when rendered.
//
// Usage:
//
//	registry := engine.NewRegistry()
//	resolver := filetype.NewResolver("/var/spool/cron/crontabs")
//	if err := crontab.Register(registry, resolver); err != nil {
//		return err
//	}
package crontab
