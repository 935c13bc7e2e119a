// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package appvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// testWorkerEnv makes the test binary act as a worker process.
const testWorkerEnv = "APPVISOR_TEST_WORKER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(testWorkerEnv); mode != "" {
		os.Exit(testWorker(mode))
	}
	os.Exit(m.Run())
}

func testWorker(mode string) int {
	if mode == "sockets" {
		return extraSockets()
	}
	if mode == "crash" {
		if ch, _ := InheritedChannel(); ch != nil {
			ch.SendEvent(Online{})
			time.Sleep(50 * time.Millisecond)
		}
		return 3
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	if e := RunWorker(ctx, os.Args[len(os.Args)-1], distStage); e != nil {
		fmt.Fprintln(os.Stderr, e)
		return 1
	}
	return 0
}

// extraSockets counts open sockets other than the supervisor channel.
// Only Linux is checked.
func extraSockets() int {
	ents, e := os.ReadDir("/proc/self/fd")
	if e != nil {
		return 0
	}
	n := 0
	for _, ent := range ents {
		fd, e := strconv.Atoi(ent.Name())
		if e != nil || fd <= channelFD {
			continue
		}
		if l, e := os.Readlink("/proc/self/fd/" + ent.Name()); e == nil &&
			strings.HasPrefix(l, "socket:") {
			n++
		}
	}
	return n
}

func freePort() string {
	ln, e := net.Listen("tcp", "127.0.0.1:0")
	So(e, ShouldBeNil)
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return port
}

// within is eventually with room for real processes to start.
func within(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func execSupervisor(mode string, count int, tl *testLog) (*Supervisor, string) {
	exe, e := os.Executable()
	So(e, ShouldBeNil)
	port := freePort()
	s, e := New(Config{
		Host:        "127.0.0.1",
		Port:        port,
		WorkerCount: count,
		DistPath:    "/dist/a",
		Output:      tl,
		StopTime:    2 * time.Second,
		Spawner: &ExecSpawner{
			Path:   exe,
			Env:    []string{testWorkerEnv + "=" + mode},
			Output: io.Discard,
		},
	})
	So(e, ShouldBeNil)
	return s, "http://127.0.0.1:" + port + "/"
}

// Keep-alives would pin every request to one worker.
var fetchClient = &http.Client{
	Transport: &http.Transport{DisableKeepAlives: true},
	Timeout:   5 * time.Second,
}

func fetch(url string) string {
	resp, e := fetchClient.Get(url)
	if e != nil {
		return ""
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestExecWorkers(t *testing.T) {
	Convey("Real worker processes", t, func() {
		tl := &testLog{}
		s, url := execSupervisor("serve", 2, tl)
		Reset(func() {
			s.Shutdown()
		})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		So(s.Start(ctx), ShouldBeNil)
		So(s.Info().Healthy, ShouldEqual, 2)
		So(fetch(url), ShouldEqual, "/dist/a")

		Convey("Synchronize reaches every worker", func() {
			s.Synchronize("/dist/b")
			// Connections are spread across workers; ask enough times
			// to see both.
			So(within(15*time.Second, func() bool {
				for i := 0; i < 20; i++ {
					if fetch(url) != "/dist/b" {
						return false
					}
				}
				return true
			}), ShouldBeTrue)
		})

		Convey("A killed worker is replaced", func() {
			victim := s.Workers()[0].Pid
			So(syscall.Kill(victim, syscall.SIGKILL), ShouldBeNil)
			So(within(15*time.Second, func() bool {
				ws := s.Workers()
				if len(ws) != 2 || s.Info().Healthy != 2 {
					return false
				}
				for _, w := range ws {
					if w.Pid == victim {
						return false
					}
				}
				return true
			}), ShouldBeTrue)
			So(tl.Contains("killed by signal: SIGKILL"), ShouldBeTrue)
			So(fetch(url), ShouldEqual, "/dist/a")
		})
	})
}

func TestExecFirstBootCrash(t *testing.T) {
	Convey("A worker that crashes during boot", t, func() {
		tl := &testLog{}
		s, _ := execSupervisor("crash", 1, tl)
		defer s.Shutdown()
		e := s.Start(context.Background())
		var fbe *FirstBootError
		So(errors.As(e, &fbe), ShouldBeTrue)
		So(fbe.Pid, ShouldBeGreaterThan, 0)
		So(e.Error(), ShouldContainSubstring, "exited with error code: 3")
	})
}

func TestExecChannelsNotShared(t *testing.T) {
	Convey("Workers spawned together inherit only their own channel", t, func() {
		exe, e := os.Executable()
		So(e, ShouldBeNil)
		sp := &ExecSpawner{
			Path:   exe,
			Env:    []string{testWorkerEnv + "=sockets"},
			Output: io.Discard,
		}

		const n = 32
		results := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, e := sp.Spawn(nil, nil)
				if e != nil {
					results <- e
					return
				}
				if ex := p.Wait(); ex.Code != 0 || ex.Signal != "" {
					e = fmt.Errorf("pid %d: %d extra sockets (%+v)",
						p.Pid(), ex.Code, ex)
				}
				results <- e
			}()
		}
		wg.Wait()
		close(results)
		for e := range results {
			So(e, ShouldBeNil)
		}
	})
}
