package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/piperelay/agent"
	"github.com/guseggert/piperelay/agent/process"
	"github.com/guseggert/piperelay/internal/cliflags"
	"github.com/guseggert/piperelay/relay"
	"github.com/guseggert/piperelay/spawn"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	commonFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:  "summary",
			Usage: "Print the exit status and the number of relayed bytes per stream to stderr when done.",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "Extra KEY=VALUE environment variables for the command.",
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Working directory of the command.",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Minimum log level. One of [debug,info,warn,error].",
			Value: "warn",
		},
	}
	return &cli.App{
		Name:  "piperelay",
		Usage: "run a command and relay its stdout and stderr while it runs",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a command locally",
				ArgsUsage: "COMMAND [ARGS...]",
				Flags:     append(append([]cli.Flag{}, commonFlags...), cliflags.RelayFlags()...),
				Action:    runLocal,
			},
			{
				Name:      "remote",
				Usage:     "run a command through a piperelay agent",
				ArgsUsage: "COMMAND [ARGS...]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "host",
						Usage: "Host of the agent.",
						Value: "127.0.0.1",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "Port of the agent.",
						Value: 8080,
					},
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "How long to wait for the agent to respond to heartbeats.",
						Value: 10 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "buffered",
						Usage: "Collect all output on the agent and print it once the command is done, instead of streaming it.",
					},
				}, commonFlags...),
				Action: runRemote,
			},
		},
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	l, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l, nil
}

func runLocal(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no command given")
	}
	l, err := newLogger(c)
	if err != nil {
		return err
	}
	defer l.Sync()
	cfg, err := cliflags.RelayConfig(c)
	if err != nil {
		return err
	}

	cmd := exec.Command(c.Args().First(), c.Args().Tail()...)
	cmd.Stdin = os.Stdin
	cmd.Dir = c.String("dir")
	if env := c.StringSlice("env"); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	res, err := spawn.Run(c.Context, cmd, c.App.Writer, c.App.ErrWriter,
		relay.WithConfig(cfg),
		relay.WithLogger(l.Sugar()),
	)
	if res == nil {
		return err
	}
	return finish(c, res, err)
}

func runRemote(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no command given")
	}
	l, err := newLogger(c)
	if err != nil {
		return err
	}
	defer l.Sync()

	client, err := agent.NewClient(l.Sugar(), c.String("host"), c.Int("port"))
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(c.Context, c.Duration("wait"))
	defer cancel()
	if err := client.WaitForServer(waitCtx); err != nil {
		return fmt.Errorf("waiting for agent: %w", err)
	}

	if c.Bool("buffered") {
		resp, err := client.Run(c.Context, agent.PostCommandRequest{
			Command:    c.Args().First(),
			Args:       c.Args().Tail(),
			Env:        c.StringSlice("env"),
			WorkingDir: c.String("dir"),
		})
		if err != nil {
			return err
		}
		io.WriteString(c.App.Writer, resp.Stdout)
		io.WriteString(c.App.ErrWriter, resp.Stderr)
		res := bufferedResult(resp)
		return finish(c, res, res.Err())
	}

	proc, err := client.StartProc(c.Context, process.StartProcRequest{
		Command: c.Args().First(),
		Args:    c.Args().Tail(),
		Env:     c.StringSlice("env"),
		WD:      c.String("dir"),
		Stdout:  noClose{c.App.Writer},
		Stderr:  noClose{c.App.ErrWriter},
	})
	if err != nil {
		return err
	}
	res, err := proc.Wait(c.Context)
	if res == nil {
		return err
	}
	return finish(c, res, err)
}

func bufferedResult(resp *agent.PostCommandResponse) *relay.Result {
	res := &relay.Result{
		ID: resp.RelayID,
		Exit: relay.ExitStatus{
			Exited: true,
			Code:   resp.ExitCode,
			Signal: syscall.Signal(resp.Signal),
		},
		Stdout: relay.StreamResult{Name: "stdout", Bytes: int64(len(resp.Stdout))},
		Stderr: relay.StreamResult{Name: "stderr", Bytes: int64(len(resp.Stderr))},
	}
	if resp.StdoutErr != "" {
		res.Stdout.Err = errors.New(resp.StdoutErr)
	}
	if resp.StderrErr != "" {
		res.Stderr.Err = errors.New(resp.StderrErr)
	}
	return res
}

// noClose hides Close so the process client leaves the app's stdout and stderr open.
type noClose struct{ io.Writer }

// finish prints the summary and turns the child's exit status into the process exit code.
func finish(c *cli.Context, res *relay.Result, relayErr error) error {
	if c.Bool("summary") {
		fmt.Fprintf(c.App.ErrWriter, "\nchild exited with: %s\n", res.Exit)
		fmt.Fprintf(c.App.ErrWriter, "relayed stdout bytes: %d\n", res.Stdout.Bytes)
		fmt.Fprintf(c.App.ErrWriter, "relayed stderr bytes: %d\n", res.Stderr.Bytes)
	}
	if !res.Exit.Exited {
		return relayErr
	}
	code := exitCode(res.Exit)
	if relayErr != nil {
		if code == 0 {
			code = 1
		}
		return cli.Exit(relayErr, code)
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// exitCode follows the shell convention of 128+n for a child killed by signal n.
func exitCode(st relay.ExitStatus) int {
	if st.Signal != 0 {
		return 128 + int(st.Signal)
	}
	return st.Code
}
