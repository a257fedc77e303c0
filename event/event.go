// Package event fans out what happens on the bridge to the host-side
// components interested in it, like the watcher of the run command.
package event

// Type represents the different event types emitted by the bridge.
type Type string

const (
	// TestFileAdded is emitted when the worker loads a test file.
	TestFileAdded Type = "testFileAdded"
	// Debug is emitted when test code asks to be debugged.
	Debug Type = "debug"
	// TestsStopped is emitted once when test progression is stopped.
	TestsStopped Type = "testsStopped"
	// WorkerExit is emitted when the worker process goes away.
	WorkerExit Type = "workerExit"
)

// Event is the emitted object sent to all subscribers of its type.
// The subscriber should call its Done method when finished processing
// to notify the emitter, though this is not required for all events.
type Event struct {
	Type Type
	Data any
	Done func()
}

// TestFileAddedData is the data sent in the TestFileAdded event.
type TestFileAddedData struct {
	Filename string
}

// DebugData is the data sent in the Debug event. TestRunID is empty when the
// pause did not come from a test run.
type DebugData struct {
	TestRunID string
}

// WorkerExitData is the data sent in the WorkerExit event.
type WorkerExitData struct {
	Error error
}
