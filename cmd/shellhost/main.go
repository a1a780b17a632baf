package main

import (
	"fmt"
	"os"

	"github.com/jpillora/opts"

	"github.com/remote-agent-terminal/shellhost/internal/config"
)

var version = "0.0.0-src" //set via ldflags

type root struct {
	Serve  serveCmd  `opts:"mode=cmd,help=Run the shell host server"`
	Attach attachCmd `opts:"mode=cmd,help=Open a shell on a server and attach this terminal to it"`
	List   listCmd   `opts:"mode=cmd,help=List the shells open on a server"`
}

func main() {
	// The YAML file is read before flags so flags and env override it.
	cfg, err := config.Load(config.FilePath(os.Args[1:]))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	r := root{
		Serve:  serveCmd{Config: cfg},
		Attach: attachCmd{URL: defaultURL},
		List:   listCmd{URL: defaultURL},
	}
	opts.New(&r).
		Name("shellhost").
		Version(version).
		Parse().
		RunFatal()
}
