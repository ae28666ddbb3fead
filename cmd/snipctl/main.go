// snipctl is the control CLI for snipd.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"snipd/internal/config"
	"snipd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	jsonOutput = flag.Bool("json", false, "print raw JSON responses")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "ping":
		err = cmdPing()
	case "list", "ls":
		err = cmdList(args)
	case "add":
		err = cmdAdd(args)
	case "edit":
		err = cmdEdit(args)
	case "rm", "delete":
		err = cmdRemove(args)
	case "import":
		err = cmdImport(args)
	case "paste":
		err = cmdPaste(args)
	case "history":
		err = cmdHistory(args)
	case "clear-history":
		err = cmdClearHistory()
	case "pin":
		err = cmdPin(args, true)
	case "unpin":
		err = cmdPin(args, false)
	case "config":
		err = cmdConfig()
	case "reload":
		err = cmdReload()
	case "watch":
		err = cmdWatch()
	case "version":
		fmt.Printf("snipctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		printError(err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "  Tip: start the daemon with: snipd start")
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `snipctl - Control utility for snipd

Usage: snipctl [options] <command> [args]

Commands:
  status [-config]                 Show daemon status and statistics
  ping                             Check that the daemon answers
  list [search]                    List snippets
  add -name N -keyword K TEXT      Create a snippet (TEXT "-" reads stdin)
  edit -id ID [-name N] [-keyword K] [TEXT]
                                   Update a snippet
  rm <id>                          Delete a snippet
  import <file>                    Import snippets from a JSON or YAML export
  paste <id> | paste -content TEXT Paste a snippet or literal template
  history [-limit N]               Show clipboard history
  clear-history                    Delete unpinned clipboard history
  pin <id> | unpin <id>            Keep a history entry through clears and pruning
  config                           Show the daemon's effective configuration
  reload                           Reload the daemon's configuration file
  watch                            Stream daemon events
  version                          Print the version
  help                             Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)
  -json           Print raw JSON responses`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connect opens an authenticated session with the daemon named by the
// configuration's socket path.
func connect() (*ipc.IPCClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	clientCfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	clientCfg.ClientVersion = Version
	client := ipc.NewClient(clientCfg)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func printError(err error) {
	var remote *ipc.ErrorResponse
	if errors.As(err, &remote) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", remote.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
