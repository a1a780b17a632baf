package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/remote-agent-terminal/shellhost/internal/client"
	"github.com/remote-agent-terminal/shellhost/internal/config"
	"github.com/remote-agent-terminal/shellhost/internal/model"
)

const defaultURL = "ws://127.0.0.1:7681/api/events"

type attachCmd struct {
	URL     string `opts:"short=u,env=SHELLHOST_URL,help=event bus URL of the server"`
	Shell   string `opts:"help=shell to open (defaults to the server's shell)"`
	Verbose bool   `opts:"short=v,help=verbose logs on stderr"`
}

func (a *attachCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	return client.Attach(ctx, client.AttachOptions{
		URL:    a.URL,
		Shell:  a.Shell,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Logger: config.NewLogger(os.Stderr, a.Verbose, !a.Verbose),
	})
}

type listCmd struct {
	URL string `opts:"short=u,env=SHELLHOST_URL,help=event bus URL of the server"`
}

func (l *listCmd) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shells, err := client.List(ctx, l.URL, config.NewLogger(os.Stderr, false, true))
	if err != nil {
		return err
	}
	return printShells(os.Stdout, shells)
}

func printShells(w io.Writer, shells []model.SessionInfo) error {
	if len(shells) == 0 {
		_, err := fmt.Fprintln(w, "No open shells")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPROCESS\tSHELL\tSIZE\tSTARTED")
	for _, s := range shells {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", s.ID, s.PID, s.Shell, s.Size, s.StartedAt.Format("15:04:05"))
	}
	return tw.Flush()
}
