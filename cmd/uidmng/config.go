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
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mdlayher/uidmng"
)

// A config is the uidmng configuration.
type config struct {
	Elevation elevation
	Debug     debug
	Steps     []step
}

// elevation contains identity switching and helper configuration.
type elevation struct {
	AllowHelper bool     `toml:"allow_helper"`
	Helper      string   `toml:"helper"`
	HelperArgs  []string `toml:"helper_args"`
	UIDEnv      string   `toml:"uid_env"`
	GIDEnv      string   `toml:"gid_env"`
	FileMode    uint32   `toml:"file_mode"`
}

// debug contains uidmng debug configuration.
type debug struct {
	Address    string `toml:"address"`
	Prometheus bool   `toml:"prometheus"`
	PProf      bool   `toml:"pprof"`
}

// file is the raw top-level configuration file representation.
type file struct {
	Elevation elevation `toml:"elevation"`
	Debug     debug     `toml:"debug"`
	Steps     []rawStep `toml:"steps"`
}

// A rawStep is a raw plan step configuration.
type rawStep struct {
	Name    string   `toml:"name"`
	Action  string   `toml:"action"`
	As      string   `toml:"as"`
	Command []string `toml:"command"`
	Path    string   `toml:"path"`
	Data    string   `toml:"data"`
	Timeout duration `toml:"timeout"`
}

// A duration is a time.Duration decoded from a TOML string.
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", string(b))
	}

	*d = duration(v)
	return nil
}

// managerConfig converts the elevation configuration for uidmng.New.
func (e elevation) managerConfig() uidmng.Config {
	return uidmng.Config{
		AllowHelper: e.AllowHelper,
		Helper:      e.Helper,
		HelperArgs:  e.HelperArgs,
		UIDEnv:      e.UIDEnv,
		GIDEnv:      e.GIDEnv,
		FileMode:    os.FileMode(e.FileMode),
	}
}

// parseConfig parses a TOML configuration file into a config.
func parseConfig(r io.Reader) (*config, error) {
	var f file
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, err
	}
	if u := md.Undecoded(); len(u) > 0 {
		return nil, fmt.Errorf("unrecognized configuration keys: %s", u)
	}

	e := f.Elevation
	if strings.ContainsAny(e.Helper, " \t") {
		return nil, fmt.Errorf("helper %q must be a single program name, use helper_args for flags", e.Helper)
	}
	uidEnv, gidEnv := e.UIDEnv, e.GIDEnv
	if uidEnv == "" {
		uidEnv = uidmng.DefaultUIDEnv
	}
	if gidEnv == "" {
		gidEnv = uidmng.DefaultGIDEnv
	}
	if uidEnv == gidEnv {
		return nil, fmt.Errorf("uid_env and gid_env must differ, both are %q", uidEnv)
	}
	if e.FileMode&^0o7777 != 0 {
		return nil, fmt.Errorf("invalid file_mode %#o", e.FileMode)
	}

	// Validate debug configuration if set.
	if f.Debug.Address != "" {
		if _, err := net.ResolveTCPAddr("tcp", f.Debug.Address); err != nil {
			return nil, fmt.Errorf("failed to parse debug HTTP server address: %v", err)
		}
	}

	steps := make([]step, 0, len(f.Steps))
	for i, rs := range f.Steps {
		s, err := parseStep(rs)
		if err != nil {
			name := rs.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}

			return nil, fmt.Errorf("step %s: %v", name, err)
		}

		steps = append(steps, s)
	}

	return &config{
		Elevation: f.Elevation,
		Debug:     f.Debug,
		Steps:     steps,
	}, nil
}

// parseStep validates a raw step.
func parseStep(rs rawStep) (step, error) {
	s := step{
		Name:    rs.Name,
		Action:  action(rs.Action),
		As:      as(rs.As),
		Command: rs.Command,
		Path:    rs.Path,
		Data:    []byte(rs.Data),
		Timeout: time.Duration(rs.Timeout),
	}

	if s.As == "" {
		s.As = asCurrent
	}

	switch s.As {
	case asCurrent, asUser, asRoot, asTry:
	case asHelper:
		if s.Action != actionRun {
			return step{}, errors.New("only run steps may use the helper directly")
		}
	default:
		return step{}, fmt.Errorf("unknown identity %q", rs.As)
	}

	switch s.Action {
	case actionRun:
		if len(s.Command) == 0 || s.Command[0] == "" {
			return step{}, errors.New("run step must have a command")
		}
		if s.Path != "" || rs.Data != "" {
			return step{}, errors.New("run step must not set path or data")
		}
	case actionRead, actionWrite:
		if s.Path == "" {
			return step{}, fmt.Errorf("%s step must have a path", s.Action)
		}
		if len(s.Command) > 0 {
			return step{}, fmt.Errorf("%s step must not set a command", s.Action)
		}
		if s.Action == actionRead && rs.Data != "" {
			return step{}, errors.New("read step must not set data")
		}
	case "":
		return step{}, errors.New("step must have an action")
	default:
		return step{}, fmt.Errorf("unknown action %q", rs.Action)
	}

	return s, nil
}
