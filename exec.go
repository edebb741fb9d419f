package uidmng

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/dolmen-go/contextio"
	"golang.org/x/sync/errgroup"
)

// Output is the captured result of a finished program.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports whether the program exited with status 0.
func (o *Output) Success() bool { return o != nil && o.ExitCode == 0 }

// execCommand starts c, streams its standard input if set, and waits for it
// to exit. A nonzero exit status is reported in the Output, not as an error.
func execCommand(ctx context.Context, c command) (*Output, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var stdin io.WriteCloser
	if c.Stdin != nil {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("uidmng: %s: %w: %w", c.Name, ErrSpawn, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("uidmng: %s: %w: %w", c.Name, ErrSpawn, err)
	}

	var eg errgroup.Group
	if stdin != nil {
		eg.Go(func() error {
			// Close signals EOF so the program can finish.
			defer stdin.Close()

			_, err := io.Copy(contextio.NewWriter(ctx, stdin), c.Stdin)
			return err
		})
	}

	// The copy must finish before Wait, which closes the pipe.
	copyErr := eg.Wait()
	waitErr := cmd.Wait()

	out := &Output{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	var eerr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &eerr):
		out.ExitCode = eerr.ExitCode()
	default:
		return nil, fmt.Errorf("uidmng: %s: %w: %w", c.Name, ErrSpawn, waitErr)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("uidmng: %s: %w", c.Name, err)
	}

	// The program may legitimately exit without consuming all of its input,
	// but a successful exit with a failed copy means data was lost.
	if copyErr != nil && out.Success() {
		return nil, fmt.Errorf("uidmng: %s: writing standard input: %w: %w", c.Name, ErrIO, copyErr)
	}

	return out, nil
}
