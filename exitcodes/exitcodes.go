// Package exitcodes defines the exit codes of op-crosstest.
//
// * Success (0): every suite of the final iteration passed
// * TestFailure (1): a suite failed, or the run was interrupted
// * RuntimeErr (2): configuration, manifest or controller errors
package exitcodes

const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
