// Package operator turns console or script lines into commands for a
// running cluster.
//
// A line is a verb with an optional argument:
//
//	r 3        # request the critical section on process 3
//	crash 5
//	wait 2s
//	status
//	q
//
// Malformed lines are logged and skipped; they never stop a session.
package operator
