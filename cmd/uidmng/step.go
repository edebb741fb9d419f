// Copyright 2022 Matt Layher and Michael Stapelberg
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/mdlayher/uidmng"
)

// An action is the kind of work a step performs.
type action string

const (
	actionRun   action = "run"
	actionRead  action = "read"
	actionWrite action = "write"
)

// An as selects the identity a step runs under.
type as string

const (
	asCurrent as = "current"
	asUser    as = "user"
	asRoot    as = "root"
	asHelper  as = "helper"
	asTry     as = "try"
)

// A step is a single validated unit of work.
type step struct {
	Name    string
	Action  action
	As      as
	Command []string
	Path    string
	Data    []byte
	Timeout time.Duration
}

// String returns a short description of the step for logs.
func (s step) String() string {
	name := s.Name
	if name == "" {
		name = string(s.Action)
	}

	target := s.Path
	if s.Action == actionRun {
		target = strings.Join(s.Command, " ")
	}

	return fmt.Sprintf("%s (%s as %s: %s)", name, s.Action, s.As, target)
}

// An exitError reports a command which ran but exited with a failure status.
type exitError struct {
	name string
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.name, e.code)
}

// A runner executes steps with a Manager, writing command and file output to
// w.
type runner struct {
	m  *uidmng.Manager
	w  io.Writer
	ll *log.Logger
}

// runAll executes steps in order, stopping at the first failure.
func (r *runner) runAll(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := r.run(ctx, s); err != nil {
			return fmt.Errorf("step %s: %w", s, err)
		}
	}

	return nil
}

// run executes a single step.
func (r *runner) run(ctx context.Context, s step) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	r.ll.Printf("running step %s", s)

	switch s.Action {
	case actionRun:
		return r.runCommand(ctx, s)
	case actionRead:
		// Data which was read is kept even when restoring identity failed.
		b, err := r.read(ctx, s)
		if b != nil {
			if _, werr := r.w.Write(b); werr != nil && err == nil {
				err = werr
			}
		}

		return err
	case actionWrite:
		return r.write(ctx, s)
	default:
		panic("uidmng: unhandled step action: " + string(s.Action))
	}
}

func (r *runner) runCommand(ctx context.Context, s step) error {
	var (
		name, args = s.Command[0], s.Command[1:]
		out        *uidmng.Output
		err        error
	)

	switch s.As {
	case asCurrent:
		out, err = r.m.Run(ctx, name, args...)
	case asUser:
		out, err = r.m.RunAsUser(ctx, name, args...)
	case asRoot:
		out, err = r.m.RunAsRoot(ctx, name, args...)
	case asHelper:
		out, err = r.m.RunViaHelper(ctx, name, args...)
	case asTry:
		out, err = r.m.RunBestEffort(ctx, name, args...)
	}

	// Output from a command which ran is always passed along, even if the
	// identity could not be restored afterward.
	if out != nil {
		if _, werr := r.w.Write(out.Stdout); werr != nil && err == nil {
			err = werr
		}
		if len(out.Stderr) > 0 {
			r.ll.Printf("%s: %s", name, strings.TrimSpace(string(out.Stderr)))
		}
	}
	if err != nil {
		return err
	}

	if !out.Success() {
		return &exitError{name: name, code: out.ExitCode}
	}

	return nil
}

func (r *runner) read(ctx context.Context, s step) ([]byte, error) {
	switch s.As {
	case asUser:
		return r.m.ReadFileAsUser(ctx, s.Path)
	case asRoot:
		return r.m.ReadFileAsRoot(ctx, s.Path)
	case asTry:
		return r.m.ReadFileTry(ctx, s.Path)
	default:
		return r.m.ReadFile(s.Path)
	}
}

func (r *runner) write(ctx context.Context, s step) error {
	switch s.As {
	case asUser:
		return r.m.WriteFileAsUser(ctx, s.Path, s.Data)
	case asRoot:
		return r.m.WriteFileAsRoot(ctx, s.Path, s.Data)
	case asTry:
		return r.m.WriteFileTry(ctx, s.Path, s.Data)
	default:
		return r.m.WriteFile(s.Path, s.Data)
	}
}
