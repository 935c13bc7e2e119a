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

package rest

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/appvisor"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/crypto/bcrypt"
)

// stubProc is a worker that reports healthy at once and records what the
// supervisor sends it.
type stubProc struct {
	sup  *appvisor.Channel
	got  chan appvisor.Message
	done chan struct{}
	once sync.Once
}

func (p *stubProc) Pid() int { return os.Getpid() }
func (p *stubProc) Channel() *appvisor.Channel { return p.sup }
func (p *stubProc) Signal(os.Signal) error { return p.Kill() }
func (p *stubProc) Wait() appvisor.Exited {
	<-p.done
	return appvisor.Exited{}
}
func (p *stubProc) Kill() error {
	p.once.Do(func() {
		p.sup.Close()
		close(p.done)
	})
	return nil
}

type stubSpawner struct {
	procs []*stubProc
	mx    sync.Mutex
}

func (s *stubSpawner) Spawn(args []string, env []string) (appvisor.Process, error) {
	a, b := net.Pipe()
	p := &stubProc{
		sup:  appvisor.NewChannel(a),
		got:  make(chan appvisor.Message, 10),
		done: make(chan struct{}),
	}
	wrk := appvisor.NewChannel(b)
	go func() {
		wrk.SendEvent(appvisor.Online{})
		wrk.SendEvent(appvisor.Healthy{})
		for {
			m, e := wrk.Recv()
			if e != nil {
				return
			}
			p.got <- m
		}
	}()
	s.mx.Lock()
	s.procs = append(s.procs, p)
	s.mx.Unlock()
	return p, nil
}

func TestControlAPI(t *testing.T) {
	Convey("A running supervisor behind the control API", t, func() {
		sp := &stubSpawner{}
		s, e := appvisor.New(appvisor.Config{
			DistPath:    "/dist/one",
			WorkerCount: 2,
			Spawner:     sp,
			Output:      io.Discard,
			StopTime:    time.Second,
		})
		So(e, ShouldBeNil)
		So(s.Start(context.Background()), ShouldBeNil)
		srv := httptest.NewServer(NewHandler(s))
		c := NewClient(nil, srv.URL)
		Reset(func() {
			// Shutdown wakes any long poll still held by the server.
			s.Shutdown()
			srv.Close()
		})

		Convey("Cluster reports the pool", func() {
			info, e := c.Cluster()
			So(e, ShouldBeNil)
			So(info.Healthy, ShouldEqual, 2)
			So(info.State, ShouldEqual, "ready")
			So(info.DistPath, ShouldEqual, "/dist/one")
			So(info.Static, ShouldBeTrue)
		})

		Convey("Workers reports each process", func() {
			ws, e := c.Workers()
			So(e, ShouldBeNil)
			So(len(ws.Workers), ShouldEqual, 2)
			So(ws.Workers[0].Id, ShouldEqual, 1)
			So(ws.Workers[0].State, ShouldEqual, "healthy")
			So(ws.Workers[0].Pid, ShouldEqual, os.Getpid())
		})

		Convey("A pushed build reaches the workers", func() {
			before, e := c.Cluster()
			So(e, ShouldBeNil)

			b, e := c.Notify(BuildRequest{DistPath: "/dist/two"})
			So(e, ShouldBeNil)
			So(b.ID, ShouldNotBeEmpty)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			after := before
			for after.DistPath != "/dist/two" {
				after, e = c.WatchCluster(ctx, after)
				So(e, ShouldBeNil)
			}
			So(after.Serial, ShouldBeGreaterThan, before.Serial)
			for _, p := range sp.procs {
				m := <-p.got
				So(m.Event, ShouldEqual, appvisor.EventSynchronize)
				So(m.DistPath, ShouldEqual, "/dist/two")
			}
		})

		Convey("An unchanged cluster is not resent", func() {
			info, e := c.Cluster()
			So(e, ShouldBeNil)
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, e = c.WatchCluster(ctx, info)
			So(e, ShouldNotBeNil)
		})

		Convey("A master error is broadcast", func() {
			So(c.MasterError("<h1>down</h1>"), ShouldBeNil)
			for _, p := range sp.procs {
				m := <-p.got
				So(m.Event, ShouldEqual, appvisor.EventMasterError)
				So(m.Response, ShouldEqual, "<h1>down</h1>")
			}
		})

		Convey("The log is served", func() {
			l, e := c.GetLog()
			So(e, ShouldBeNil)
			text := []string{}
			for _, r := range l.Records {
				text = append(text, r.Text)
			}
			So(strings.Join(text, "\n"), ShouldContainSubstring,
				"Successfully initialized the cluster.")

			Convey("And watched", func() {
				s.Logger().Print("something new")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				l2, e := c.WatchLog(ctx, l)
				So(e, ShouldBeNil)
				So(l2.Records[len(l2.Records)-1].Text, ShouldEqual, "something new")
			})
		})

		Convey("Bad requests are rejected", func() {
			e := c.post(context.Background(), c.url("builds"), "not an object", nil)
			So(e, ShouldNotBeNil)
			So(e.(*Error).Code, ShouldEqual, 400)
		})
	})

	Convey("A control API with credentials", t, func() {
		s, e := appvisor.New(appvisor.Config{
			DistPath: "/dist",
			Spawner:  &stubSpawner{},
			Output:   io.Discard,
		})
		So(e, ShouldBeNil)
		h := NewHandler(s)
		So(h.SetAuth("admin", "not a hash"), ShouldNotBeNil)
		hash, e := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
		So(e, ShouldBeNil)
		So(h.SetAuth("admin", string(hash)), ShouldBeNil)
		srv := httptest.NewServer(h)
		defer srv.Close()

		c := NewClient(nil, srv.URL)
		_, e = c.Cluster()
		So(e, ShouldNotBeNil)
		So(e.(*Error).Code, ShouldEqual, 401)

		c.SetAuth("admin", "wrong")
		_, e = c.Cluster()
		So(e, ShouldNotBeNil)

		c.SetAuth("admin", "sesame")
		info, e := c.Cluster()
		So(e, ShouldBeNil)
		So(info.State, ShouldEqual, "initializing")
	})

	Convey("A connector without notifications", t, func() {
		s, e := appvisor.New(appvisor.Config{
			Connector: readOnly{},
			Spawner:   &stubSpawner{},
			Output:    io.Discard,
		})
		So(e, ShouldBeNil)
		srv := httptest.NewServer(NewHandler(s))
		defer srv.Close()
		_, e = NewClient(nil, srv.URL).Notify(BuildRequest{})
		So(e, ShouldNotBeNil)
		So(e.(*Error).Code, ShouldEqual, 501)
	})
}

type readOnly struct{}

func (readOnly) Builds() <-chan appvisor.Build { return nil }
func (readOnly) DistPath() string { return "/ro" }
func (readOnly) Resolve(ctx context.Context, b appvisor.Build) (string, error) {
	return "/ro", nil
}
