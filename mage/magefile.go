//go:build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

const (
	BINARY_NAME = "../bin/parley"
	PROBE_NAME  = "../bin/probe"
)

func Build() error {
	fmt.Println("🔨 Building server and probe...")
	if err := runCmd("go", "build", "-o", BINARY_NAME, ".."); err != nil {
		return err
	}
	return runCmd("go", "build", "-o", PROBE_NAME, "../cmd/probe")
}

func Test() error {
	fmt.Println("🧪 Running tests...")
	return runCmd("go", "test", "-race", "../...")
}

func Lint() error {
	fmt.Println("🔍 Vetting...")
	return runCmd("go", "vet", "../...")
}

// Run builds and starts the server in the foreground.
func Run() error {
	mg.Deps(Build)
	fmt.Println("🚀 Starting server...")
	return runCmd(BINARY_NAME)
}

// Probe posts a message to a locally running server.
func Probe() error {
	mg.Deps(Build)
	return runCmd(PROBE_NAME)
}

func Clean() {
	fmt.Println("🧹 Cleaning up...")
	os.Remove(BINARY_NAME)
	os.Remove(PROBE_NAME)
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
