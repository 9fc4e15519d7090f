//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/magefile/mage/mg" // mg contains helpful utility functions, like Deps
	"github.com/magefile/mage/sh"
	"golang.org/x/crypto/ssh"

	"github.com/jeffypooo/fleetmon/internal/remote"
)

// Default target to run when none is specified
var Default = Build

// Runner targets a jump host that can reach the monitored machines.
type Runner mg.Namespace

var (
	buildDir  = "bin"
	binName   = "fleetmon"
	deployDir = "fleetmon"
	// copied next to the binary when present
	runFiles = []string{"fleetmon.yaml", ".env", "machines.csv"}
)

// Builds fleetmon for this machine
func Build() error {
	fmt.Println("Building...")
	return sh.RunV("go", "build", "-o", filepath.Join(buildDir, binName), "./cmd/fleetmon")
}

// Regenerates templ components (needs the templ CLI on PATH)
func Generate() error {
	return sh.RunV("templ", "generate")
}

// Runs the unit tests
func Test() error {
	return sh.RunV("go", "test", "./...")
}

// Cleans up the build directory
func Clean() {
	fmt.Println("Cleaning...")
	os.RemoveAll(buildDir)
}

// Builds fleetmon for the runner host (linux/amd64)
func (Runner) Build() error {
	fmt.Println("Building for runner...")
	env := map[string]string{
		"GOOS":   "linux",
		"GOARCH": "amd64",
	}
	return sh.RunWithV(env, "go", "build", "-o", filepath.Join(buildDir, "linux", binName), "./cmd/fleetmon")
}

// Builds and copies fleetmon plus its config and inventory to the runner, using SCP.
// Assumes you have SSH keys setup for the runner.
func (Runner) Deploy(host string, username string) error {
	mg.Deps(Runner.Build)
	connStr := fmt.Sprintf("%s@%s", username, host)
	deployPath := "/home/" + username + "/" + deployDir
	fmt.Printf("Copying via SCP to %s:%s\n", connStr, deployPath)

	if err := sh.Run("ssh", connStr, "mkdir -p", deployPath); err != nil {
		return fmt.Errorf("failed to create deploy path on host: %w", err)
	}
	files := []string{filepath.Join(buildDir, "linux", binName)}
	for _, f := range runFiles {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	args := append(files, fmt.Sprintf("%s:%s/", connStr, deployPath))
	if err := sh.Run("scp", args...); err != nil {
		return fmt.Errorf("failed to deploy to host: %w", err)
	}
	return nil
}

// Starts a monitoring run on the runner, using SSH. Blocks until the run exits.
// Ctrl-C asks the run to stop after the machine in progress is reported.
func (Runner) Start(host string, username string) error {
	mg.Deps(mg.F(Runner.Deploy, host, username))
	dialer := remote.NewDialer(remote.Config{UseAgent: true, Timeout: 15 * time.Second}, log.New("mage"))
	client, err := dialer.Dial(context.Background(), host, username, "")
	if err != nil {
		return fmt.Errorf("failed to create SSH client: %w", err)
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	fmt.Println("--------------------------------")
	fmt.Println("RUNNING FLEETMON")
	fmt.Println("--------------------------------")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	session.Stdout = os.Stdout
	session.Stderr = os.Stderr
	if err := session.Start(fmt.Sprintf("cd ~/%s && ./%s", deployDir, binName)); err != nil {
		return fmt.Errorf("failed to start fleetmon on host: %w", err)
	}
	go func() {
		sig := <-sigChan
		fmt.Println("Received signal:", sig)
		session.Signal(ssh.SIGTERM)
		<-sigChan
		fmt.Println("Force killing fleetmon...")
		session.Signal(ssh.SIGKILL)
		session.Close()
		os.Exit(1)
	}()

	err = session.Wait()
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			switch exitErr.ExitStatus() {
			case 143:
				fmt.Println("fleetmon exited with SIGTERM")
				return nil
			default:
				return fmt.Errorf("fleetmon exited with status %d", exitErr.ExitStatus())
			}
		}
		return fmt.Errorf("failed to wait for fleetmon to exit: %w", err)
	}

	return nil
}
