// snipd - system-wide snippet text expansion daemon
//
//	snipd start      Start the daemon (background unless -foreground)
//	snipd stop       Stop a running daemon
//	snipd status     Show daemon status
//	snipd config     Show or initialize the configuration file
//	snipd version    Print the version
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"snipd/internal/config"
	"snipd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

const daemonEnv = "SNIPD_DAEMON"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		cmdStart(args)
	case "stop":
		cmdStop(args)
	case "status":
		cmdStatus(args)
	case "config":
		cmdConfig(args)
	case "version", "-v", "--version":
		fmt.Printf("snipd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`snipd - Snippet Text Expansion Daemon

USAGE:
    snipd <command> [options]

COMMANDS:
    start      Start the daemon
    stop       Stop the running daemon
    status     Show daemon status
    config     Show the effective configuration (-init writes a default file)
    version    Print the version
    help       Show this help message

Type a snippet keyword anywhere and snipd replaces it with the snippet
content. Manage snippets with snipctl.

INPUT ACCESS:
    On Wayland and on the console snipd reads /dev/input directly and
    injects through /dev/uinput. Add your user to the "input" group or
    install a udev rule granting access to both.`)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.IPC.SocketPath), "snipd.pid")
}

func cmdStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	foreground := fs.Bool("foreground", false, "Run in the foreground")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	pidFile := pidFilePath(cfg)

	if pid, ok := runningPID(pidFile); ok {
		fmt.Fprintf(os.Stderr, "snipd is already running (pid %d)\n", pid)
		os.Exit(1)
	}

	if *foreground || os.Getenv(daemonEnv) == "1" {
		if err := runDaemon(*configPath, pidFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	child := exec.Command(exe, append([]string{"start"}, args...)...)
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.SysProcAttr = getDaemonSysProcAttr()

	if err := child.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	// Wait for the control socket so startup errors are visible here.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ipc.IsSocketListening(cfg.IPC.SocketPath) {
			fmt.Printf("snipd started (pid %d)\n", child.Process.Pid)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "snipd did not come up within 5s; check the log at %s\n", cfg.Logging.FilePath)
	os.Exit(1)
}

func runDaemon(configPath, pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(configPath, Version)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	pidFile := pidFilePath(cfg)

	pid, ok := runningPID(pidFile)
	if !ok {
		fmt.Println("snipd is not running")
		os.Remove(pidFile)
		return
	}
	if err := stopProcess(pid); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping daemon: %v\n", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := runningPID(pidFile); !ok {
			fmt.Println("snipd stopped")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "snipd (pid %d) did not exit within 5s\n", pid)
	os.Exit(1)
}

// runningPID reads the pid file and reports whether that process is alive.
func runningPID(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:    cfg.IPC.SocketPath,
		ClientName:    "snipd",
		ClientVersion: Version,
	})
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Println("snipd is not running")
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	st, err := client.Status(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("snipd %s, up %s\n", st.Version, st.Uptime.Round(time.Second))
	fmt.Printf("  Backend:     %s\n", st.Backend)
	if st.Listening {
		fmt.Println("  Capture:     listening")
	} else {
		fmt.Printf("  Capture:     unavailable (%s)\n", st.CaptureError)
	}
	fmt.Printf("  Snippets:    %d\n", st.SnippetCount)
	fmt.Printf("  Expansions:  %d (%d manual pastes)\n", st.Engine.Expansions, st.Engine.Pastes)
	if st.Engine.InjectFailures > 0 || st.Engine.ResolveFallbacks > 0 {
		fmt.Printf("  Failures:    %d injection, %d template fallbacks\n",
			st.Engine.InjectFailures, st.Engine.ResolveFallbacks)
	}
	if st.History != nil {
		fmt.Printf("  History:     %d recorded\n", st.History.Recorded)
	}
}

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	initFile := fs.Bool("init", false, "Write a default configuration file if none exists")
	showPath := fs.Bool("path", false, "Print the configuration file path only")
	fs.Parse(args)

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}

	if *showPath {
		fmt.Println(path)
		return
	}

	if *initFile {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "%s already exists\n", path)
			os.Exit(1)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("# %s\n", path)
	fmt.Print(buf.String())
}
