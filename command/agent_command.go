// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command implements the carematch CLI.
package command

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/carematch/carematch/command/agent"
)

// AgentCommand runs the long-lived carematch agent: engine, worker, and
// HTTP API.
type AgentCommand struct {
	Ui cli.Ui
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: carematch agent [options]

  Starts the carematch agent and runs until an interrupt is received.
  The agent hosts the matching engine, the bulk-match worker, and the
  HTTP API.

Options:

  -config=<path>
    Path to an HCL configuration file. May be specified multiple times;
    later files override earlier ones.

  -bind=<addr>
    Address to bind the HTTP API to. Overrides the config file.

  -port=<port>
    Port for the HTTP API. Overrides the config file.

  -log-level=<level>
    Log verbosity: TRACE, DEBUG, INFO, WARN, ERROR.

  -dev
    Run in development mode: memory storage, debug logging, and the
    pprof handlers enabled.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the carematch agent"
}

func (c *AgentCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-config":    complete.PredictFiles("*.hcl"),
		"-bind":      complete.PredictAnything,
		"-port":      complete.PredictAnything,
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-dev":       complete.PredictNothing,
	}
}

func (c *AgentCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *AgentCommand) Run(args []string) int {
	var configPaths flagStrings
	var bind, logLevel string
	var port int
	var dev bool

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.Var(&configPaths, "config", "")
	flags.StringVar(&bind, "bind", "", "")
	flags.IntVar(&port, "port", 0, "")
	flags.StringVar(&logLevel, "log-level", "", "")
	flags.BoolVar(&dev, "dev", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	config := agent.DefaultConfig()
	for _, path := range configPaths {
		layer, err := agent.LoadConfig(path)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}
		config = config.Merge(layer)
	}
	config = config.Merge(&agent.Config{
		BindAddr: bind,
		Port:     port,
		LogLevel: logLevel,
	})
	if dev {
		config.LogLevel = "DEBUG"
		config.EnableDebug = true
		config.Storage = &agent.StorageConfig{Backend: "memory"}
	}
	if err := config.Finalize(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "carematch",
		Level:      hclog.LevelFromString(config.LogLevel),
		JSONFormat: config.LogJSON,
	})

	a, err := agent.NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}

	srv, err := agent.NewHTTPServer(a, config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting HTTP server: %s", err))
		a.Shutdown()
		return 1
	}

	c.Ui.Output(fmt.Sprintf("CareMatch agent running! API at http://%s", srv.Addr))

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	srv.Shutdown()
	if err := a.Shutdown(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error during shutdown: %s", err))
		return 1
	}
	return 0
}

// flagStrings collects repeated string flags.
type flagStrings []string

func (f *flagStrings) String() string { return strings.Join(*f, ",") }

func (f *flagStrings) Set(v string) error {
	*f = append(*f, v)
	return nil
}
