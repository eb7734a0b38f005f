package cdilink

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning indicates a frame handed to an Output that is not
	// started.
	ErrNotRunning = errors.New("not running")

	// ErrStreamDisabled indicates a frame for a stream the configuration
	// turns off.
	ErrStreamDisabled = errors.New("stream disabled")

	// ErrFormatMismatch indicates a frame whose geometry, pixel format,
	// channel count or sample rate does not match the configured stream.
	ErrFormatMismatch = errors.New("frame does not match stream format")
)

// StartStage names the step of Start that failed.
type StartStage string

const (
	StageConfig  StartStage = "config"
	StagePool    StartStage = "pool"
	StageSession StartStage = "session"
)

// StartError reports why Start failed. It wraps the cause so errors.Is
// reaches transport and configuration sentinels.
type StartError struct {
	Stage StartStage
	Name  string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %s: %v", e.Name, e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
