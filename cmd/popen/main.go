//go:build unix

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"

	"github.com/miguelsm/chroagh/popen"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "popen",
		Usage:     "run a filter command, piping a buffer through its stdin and stdout",
		ArgsUsage: "COMMAND [ARG...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "input",
				Usage: "Read the input buffer from this file instead of stdin.",
			},
			&cli.IntFlag{
				Name:  "max-output",
				Usage: "Maximum number of bytes to accept from the command's stdout.",
				Value: 1 << 20,
			},
			&cli.IntFlag{
				Name:    "verbosity",
				Aliases: []string{"v"},
				Usage:   "Log verbosity: 0 silent, 1 general messages, 2+ per-transfer detail.",
				Value:   0,
			},
		},
		Action: func(ctx *cli.Context) error {
			args := ctx.Args().Slice()
			if len(args) == 0 {
				return cli.Exit("popen needs a command to run", 2)
			}

			var input []byte
			var err error
			if path := ctx.String("input"); path != "" {
				input, err = os.ReadFile(path)
				if err != nil {
					return cli.Exit(fmt.Sprintf("reading input file: %s", err), 1)
				}
			} else {
				input, err = io.ReadAll(os.Stdin)
				if err != nil {
					return cli.Exit(fmt.Sprintf("reading stdin: %s", err), 1)
				}
			}

			logger, err := newLogger(ctx.Int("verbosity"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			runner := popen.New(popen.WithLogger(logger))
			output := make([]byte, ctx.Int("max-output"))

			n, err := runner.Run(ctx.Context, args[0], args[1:], input, output)
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) && exitErr.Exited() {
					return cli.Exit(err.Error(), exitErr.ExitCode())
				}
				var execErr *exec.Error
				if errors.As(err, &execErr) {
					return cli.Exit(err.Error(), popen.ExecFailureStatus)
				}
				return cli.Exit(err.Error(), 1)
			}

			_, err = os.Stdout.Write(output[:n])
			if err != nil {
				return cli.Exit(fmt.Sprintf("writing output: %s", err), 1)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(verbosity int) (*zap.Logger, error) {
	if verbosity <= 0 {
		return zap.NewNop(), nil
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if verbosity == 1 {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	return logger, nil
}
