// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shutdown

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

const timeout = 10 * time.Second

// TestShutdown runs a child process that shuts itself down and reads its
// output to check that the context is canceled first, that handlers run
// newest first, and that a stalled handler cannot keep the process alive.
func TestShutdown(t *testing.T) {
	if os.Getenv(shutdownEnv) == "true" {
		testShutdownChildProcess()
		return
	}

	t.Run("clean", func(t *testing.T) { testShutdown(t, true) })
	t.Run("messy", func(t *testing.T) { testShutdown(t, false) })
}

const (
	shutdownEnv     = "SHUTDOWN_CHILD_PROCESS"
	shutdownKillEnv = shutdownEnv + "_KILL"
)

// shutdownMessages are printed by the child: the first before Now, the
// others by its handlers in the order they run.
var shutdownMessages = []string{
	"writers open",
	"closing scheduler",
	"closing storage",
}

func testShutdown(t *testing.T, clean bool) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestShutdown$")
	cmd.Env = []string{shutdownEnv + "=true"}
	if !clean {
		cmd.Env = append(cmd.Env, shutdownKillEnv+"=true")
	}

	// Scan process output line by line.
	rc, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	out := bufio.NewScanner(rc)

	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	// Check that we get the first message from the child,
	// so we know it's running.
	readErr := make(chan error, 1)
	go func() {
		out.Scan()
		if err := out.Err(); err != nil {
			readErr <- err
			return
		}
		if got, want := out.Text(), shutdownMessages[0]; got != want {
			readErr <- fmt.Errorf("child said %q, want %q", got, want)
			return
		}
		readErr <- nil
	}()
	select {
	case err := <-readErr:
		if err != nil {
			cmd.Process.Kill()
			t.Fatal(err)
		}
	case <-time.After(timeout):
		t.Fatal("timed out waiting for child process to start")
	}

	// Collect and compare the remaining output lines.
	waitErr := make(chan error, 1)
	go func() {
		for n := 1; n < len(shutdownMessages); n++ {
			if !clean && n == 2 {
				// In messy mode the second shutdown
				// handler will not run.
				break
			}
			if !out.Scan() {
				readErr <- fmt.Errorf("child output ended, expected more lines")
				return
			}
			if got, want := out.Text(), shutdownMessages[n]; got != want {
				readErr <- fmt.Errorf("child output line %q, want %q", got, want)
				return
			}
		}
		if out.Scan() {
			readErr <- fmt.Errorf("child output unexpected line %q", out.Text())
			return
		}
		readErr <- nil
		waitErr <- cmd.Wait()
	}()

	// Check that the output was what we expected.
	if err := <-readErr; err != nil {
		cmd.Process.Kill()
		t.Fatal(err)
	}

	// Check exit status.
	select {
	case err := <-waitErr:
		if err != nil && clean {
			t.Fatalf("child process exited with non-zero status: %v", err)
		} else if err == nil && !clean {
			t.Fatal("child process exited cleanly, want non-zero status")
		}
	case <-time.After(timeout):
		cmd.Process.Kill()
		t.Fatal("timed out waiting for child process to exit")
	}
}

func testShutdownChildProcess() {
	var kill chan bool
	if os.Getenv(shutdownKillEnv) == "true" {
		kill = make(chan bool)
		killSleep = func(time.Duration) {
			<-kill
		}
	}

	Handle("storage", func() {
		fmt.Println(shutdownMessages[2])
	})

	Handle("scheduler", func() {
		if Context().Err() == nil {
			fmt.Println("context not canceled")
		}
		fmt.Println(shutdownMessages[1])
		if kill != nil {
			kill <- true
			select {} // Block forever, stalling Shutdown.
		}
	})

	fmt.Println(shutdownMessages[0])

	Now(0)
	fmt.Println("Now returned")
}

func TestHandlerOrder(t *testing.T) {
	var ran []string
	saved := state.handlers
	defer func() { state.handlers = saved }()
	state.handlers = nil
	for _, name := range []string{"log", "storage", "scheduler", "writers"} {
		name := name
		Handle(name, func() { ran = append(ran, name) })
	}
	for i := len(state.handlers) - 1; i >= 0; i-- {
		state.handlers[i].fn()
	}
	want := []string{"writers", "scheduler", "storage", "log"}
	if fmt.Sprint(ran) != fmt.Sprint(want) {
		t.Errorf("handlers ran in order %v, want %v", ran, want)
	}
	if Context().Err() != nil {
		t.Errorf("context canceled before shutdown: %v", Context().Err())
	}
}
