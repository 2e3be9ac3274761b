package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/setup"
	"github.com/msageha/conductor/internal/uds"
)

const version = "0.1.0"

const (
	defaultDataDir    = ".conductor"
	defaultConfigName = "conductor.yaml"
	dataDirEnv        = "CONDUCTOR_DATA_DIR"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "agent":
		runDaemon(daemon.RoleAgent, os.Args[2:])
	case "orchestrator":
		runDaemon(daemon.RoleOrchestrator, os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "ctl":
		runCtl(os.Args[2:])
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

type commonFlags struct {
	dataDir    string
	configPath string
}

// parseCommon consumes --data-dir and --config and returns the remaining arguments.
func parseCommon(args []string) (commonFlags, []string, error) {
	var f commonFlags
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--data-dir", "--config":
			if i+1 >= len(args) {
				return f, nil, fmt.Errorf("%s requires a value", args[i])
			}
			if args[i] == "--data-dir" {
				f.dataDir = args[i+1]
			} else {
				f.configPath = args[i+1]
			}
			i++
		default:
			rest = append(rest, args[i])
		}
	}

	if f.dataDir == "" {
		f.dataDir = os.Getenv(dataDirEnv)
	}
	if f.dataDir == "" {
		f.dataDir = defaultDataDir
	}
	if f.configPath == "" {
		candidate := filepath.Join(f.dataDir, defaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			f.configPath = candidate
		}
	}
	return f, rest, nil
}

func runDaemon(role daemon.Role, args []string) {
	flags, rest, err := parseCommon(args)
	if err == nil && len(rest) > 0 {
		err = fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: conductor %s [--data-dir DIR] [--config FILE]\n", err, role)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Options{Role: role, DataDir: flags.dataDir, ConfigPath: flags.configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", role, err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", role, err)
		os.Exit(1)
	}
}

func runInit(args []string) {
	flags, rest, err := parseCommon(args)
	var opts setup.Options
	for i := 0; err == nil && i < len(rest); i++ {
		switch rest[i] {
		case "--force":
			opts.Force = true
		case "--machine-name", "--family":
			if i+1 >= len(rest) {
				err = fmt.Errorf("%s requires a value", rest[i])
				break
			}
			if rest[i] == "--family" {
				opts.Family = rest[i+1]
			} else {
				opts.MachineName = rest[i+1]
			}
			i++
		default:
			err = fmt.Errorf("unknown flag: %s", rest[i])
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: conductor init [--data-dir DIR] [--machine-name NAME] [--family NAME] [--force]\n", err)
		os.Exit(1)
	}

	path, err := setup.Run(flags.dataDir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
}

const ctlUsage = "usage: conductor ctl [--data-dir DIR] <ping|status|abort [--kind migration|deletion] [--id ID]|trigger-dequeue|shutdown>"

func runCtl(args []string) {
	flags, rest, err := parseCommon(args)
	if err == nil && len(rest) == 0 {
		err = errors.New("missing control command")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n%s\n", err, ctlUsage)
		os.Exit(1)
	}

	command := strings.ReplaceAll(rest[0], "-", "_")
	var params any
	switch command {
	case daemon.CmdPing, daemon.CmdStatus, daemon.CmdTriggerDequeue, daemon.CmdShutdown:
		if len(rest) > 1 {
			fmt.Fprintf(os.Stderr, "%s takes no arguments\n%s\n", rest[0], ctlUsage)
			os.Exit(1)
		}
	case daemon.CmdAbort:
		p, err := parseAbort(rest[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n%s\n", err, ctlUsage)
			os.Exit(1)
		}
		params = p
	default:
		fmt.Fprintf(os.Stderr, "unknown control command: %s\n%s\n", rest[0], ctlUsage)
		os.Exit(1)
	}

	client := uds.NewClient(daemon.SocketPath(flags.dataDir))
	client.SetTimeout(time.Minute)
	var out json.RawMessage
	if err := client.Call(context.Background(), command, params, &out); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", rest[0], detail.Code, detail.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", rest[0], err)
		}
		os.Exit(1)
	}
	if len(out) == 0 {
		return
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
}

func parseAbort(args []string) (daemon.AbortParams, error) {
	p := daemon.AbortParams{Kind: model.KindMigration}
	for i := 0; i < len(args); i++ {
		if i+1 >= len(args) {
			return p, fmt.Errorf("%s requires a value", args[i])
		}
		switch args[i] {
		case "--kind":
			p.Kind = model.ExecutionKind(args[i+1])
		case "--id":
			id, err := uuid.Parse(args[i+1])
			if err != nil {
				return p, fmt.Errorf("invalid --id: %w", err)
			}
			p.ID = &id
		default:
			return p, fmt.Errorf("unknown flag: %s", args[i])
		}
		i++
	}
	if p.Kind != model.KindMigration && p.Kind != model.KindDeletion {
		return p, fmt.Errorf("invalid --kind %q", p.Kind)
	}
	return p, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductor %s - migration and deletion coordination

Usage: conductor <command> [options]

Setup:
  init [--data-dir DIR] [--machine-name NAME] [--family NAME] [--force]
                    Create a data directory with a default config

Daemons:
  agent [--data-dir DIR] [--config FILE]          Run an agent
  orchestrator [--data-dir DIR] [--config FILE]   Run an orchestrator

Control (talks to the daemon of --data-dir):
  ctl ping
  ctl status
  ctl abort [--kind migration|deletion] [--id ID]
  ctl trigger-dequeue
  ctl shutdown

  version           Show version
  help              Show this help

The data directory defaults to $%s, then %s; the config file to <data-dir>/%s.
`, version, dataDirEnv, defaultDataDir, defaultConfigName)
}
