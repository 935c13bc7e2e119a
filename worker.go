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

package appvisor

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// StageLoader installs stages and subscribers on a new Worker.
type StageLoader func(w *Worker) error

// WorkerConfig configures a Worker.  If Encoded is set it is decoded into
// Options.
type WorkerConfig struct {
	Options ForkOptions
	Encoded string
	Channel *Channel // nil when running without a supervisor
	Stages  []StageLoader
	Logger  *log.Logger

	MaxConnections int          // zero is unlimited
	Listener       net.Listener // overrides Host and Port
}

// Worker serves the application in one process.  Stages are assembled
// into the request pipeline when it starts; after that the pipeline is
// fixed, and only the artifact location changes, in response to
// synchronize commands from the supervisor.
type Worker struct {
	opts     ForkOptions
	distPath string
	ch       *Channel
	asm      *Assembler
	subs     []func(Event)
	logger   *log.Logger
	maxConns int
	listener net.Listener
	addr     net.Addr
	server   *http.Server
	stages   []string
	started  bool
	done     chan struct{}
	stop     sync.Once
	mx       sync.Mutex
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	opts := cfg.Options
	if cfg.Encoded != "" {
		var e error
		if opts, e = DecodeForkOptions(cfg.Encoded); e != nil {
			return nil, e
		}
	}
	w := &Worker{
		opts:     opts,
		distPath: opts.DistPath,
		ch:       cfg.Channel,
		asm:      NewAssembler(),
		logger:   cfg.Logger,
		maxConns: cfg.MaxConnections,
		listener: cfg.Listener,
		done:     make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = log.New(NewUI(os.Stderr, RoleWorker), "", 0)
	}
	if w.ch != nil {
		if e := w.ch.SendEvent(Online{}); e != nil {
			return nil, e
		}
	}
	for _, load := range cfg.Stages {
		if e := load(w); e != nil {
			return nil, e
		}
	}
	return w, nil
}

// AddStage registers a pipeline stage.  It fails once the worker has
// started.
func (w *Worker) AddStage(s Stage) error {
	return w.asm.Register(s)
}

// Subscribe arranges for fn to see every event from the supervisor.
// Subscribers run one at a time, in the order they subscribed.
func (w *Worker) Subscribe(fn func(Event)) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.started {
		return ErrLateRegistration
	}
	w.subs = append(w.subs, fn)
	return nil
}

// Start assembles the pipeline, binds the listener and begins serving.
// The supervisor is told the worker is healthy once the listener is
// bound.
func (w *Worker) Start(ctx context.Context) error {
	w.mx.Lock()
	if w.started {
		w.mx.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mx.Unlock()

	stages, e := w.asm.Finalize()
	if e != nil {
		return e
	}
	handler := NewPipeline(stages, nil)
	names := make([]string, 0, len(stages))
	for _, st := range stages {
		names = append(names, st.Name)
	}

	ln := w.listener
	if ln == nil {
		port := w.opts.Port
		if port == "" {
			port = "0"
		}
		if ln, e = Listen(ctx, net.JoinHostPort(w.opts.Host, port)); e != nil {
			return e
		}
	}
	if w.maxConns > 0 {
		ln = netutil.LimitListener(ln, w.maxConns)
	}

	w.mx.Lock()
	w.addr = ln.Addr()
	w.stages = names
	w.server = &http.Server{
		Handler:  handler,
		ErrorLog: w.logger,
	}
	srv := w.server
	w.mx.Unlock()

	go func() {
		if e := srv.Serve(ln); e != nil && !errors.Is(e, http.ErrServerClosed) {
			w.logger.Printf("%sHTTP server: %v", ErrorPrefix, e)
		}
		w.Stop()
	}()
	w.logger.Printf("HTTP server started on %s.", w.addr)

	if w.ch != nil {
		go w.listen()
		if e := w.ch.SendEvent(Healthy{}); e != nil {
			return e
		}
	}
	return nil
}

func (w *Worker) listen() {
	for {
		m, e := w.ch.Recv()
		if e != nil {
			if e != io.EOF {
				w.logger.Printf("%sSupervisor channel: %v", ErrorPrefix, e)
			}
			w.Stop()
			return
		}
		ev, e := ParseEvent(m)
		if e != nil {
			w.logger.Printf("%v", e)
			continue
		}
		if s, ok := ev.(Synchronize); ok {
			w.mx.Lock()
			w.distPath = s.DistPath
			w.mx.Unlock()
		}
		w.mx.Lock()
		subs := w.subs
		w.mx.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Stop closes the listener and waits briefly for requests in flight.
func (w *Worker) Stop() {
	w.stop.Do(func() {
		w.mx.Lock()
		srv := w.server
		w.mx.Unlock()
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(ctx)
			cancel()
		}
		if w.ch != nil {
			w.ch.Close()
		}
		close(w.done)
	})
}

// Stages returns the names of the stages in pipeline order, once started.
func (w *Worker) Stages() []string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return append([]string{}, w.stages...)
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Addr is the bound address, or nil before Start.
func (w *Worker) Addr() net.Addr {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.addr
}

// DistPath is the artifact currently being served.
func (w *Worker) DistPath() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.distPath
}

func (w *Worker) Host() string {
	return w.opts.Host
}

func (w *Worker) Port() string {
	return w.opts.Port
}

func (w *Worker) SandboxOptions() map[string]interface{} {
	return w.opts.SandboxOptions
}

func (w *Worker) Logger() *log.Logger {
	return w.logger
}

// RunWorker is the body of a worker process: it attaches to the
// supervisor channel, loads the stages, serves until ctx is done or the
// supervisor goes away, and then shuts down.
func RunWorker(ctx context.Context, encoded string, stages ...StageLoader) error {
	ch, e := InheritedChannel()
	if e != nil {
		return e
	}
	w, e := NewWorker(WorkerConfig{
		Encoded: encoded,
		Channel: ch,
		Stages:  stages,
	})
	if e != nil {
		return e
	}
	if e := w.Start(ctx); e != nil {
		w.Stop()
		return e
	}
	select {
	case <-ctx.Done():
		w.Stop()
	case <-w.Done():
	}
	return nil
}
