// Package report renders convergence reports for the terminal: an outcome
// table, unified diffs of the pending content of no-op runs, and listings of
// recorded runs and backups.
package report
