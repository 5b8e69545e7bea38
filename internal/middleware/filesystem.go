package middleware

import (
	"github.com/mark3labs/espagent/internal/fsbackend"
	"github.com/mark3labs/espagent/internal/tools"
)

// Filesystem provides the file tools of a backend.
type Filesystem struct {
	Backend *fsbackend.Backend
}

func (f *Filesystem) Name() string { return "filesystem" }

func (f *Filesystem) Tools() []tools.Tool {
	if f.Backend == nil {
		return nil
	}
	return f.Backend.Tools()
}
