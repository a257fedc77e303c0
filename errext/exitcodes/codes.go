// Package exitcodes contains the constants representing possible k6bridge exit error codes.
//
//nolint:golint
package exitcodes

// ExitCode is just a type representing a process exit code for k6bridge
type ExitCode uint8

// list of exit codes used by k6bridge
const (
	TestsFailed           ExitCode = 99
	GenericEngine         ExitCode = 103
	InvalidConfig         ExitCode = 104
	ExternalAbort         ExitCode = 105
	TestCompilationFailed ExitCode = 107
	TestsStopped          ExitCode = 108
	WorkerSpawnFailed     ExitCode = 109
	WorkerLost            ExitCode = 110
)
