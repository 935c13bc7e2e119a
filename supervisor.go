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
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"
)

// EnvMode is consulted when no worker count is configured.  Under "test"
// a single worker is started.
const EnvMode = "APPVISOR_ENV"

// PoolState is the lifecycle state of the worker pool.
type PoolState int

const (
	PoolInitializing PoolState = iota
	PoolForking
	PoolReady
	PoolFailed
	PoolStopped
)

func (p PoolState) String() string {
	switch p {
	case PoolInitializing:
		return "initializing"
	case PoolForking:
		return "forking"
	case PoolReady:
		return "ready"
	case PoolFailed:
		return "failed"
	case PoolStopped:
		return "stopped"
	}
	return "unknown"
}

// WorkerState is the lifecycle state of one worker process.
type WorkerState int

const (
	WorkerForked WorkerState = iota
	WorkerOnline
	WorkerHealthy
	WorkerExited
)

func (w WorkerState) String() string {
	switch w {
	case WorkerForked:
		return "forked"
	case WorkerOnline:
		return "online"
	case WorkerHealthy:
		return "healthy"
	case WorkerExited:
		return "exited"
	}
	return "unknown"
}

// Config holds the construction options for a Supervisor.  Exactly one of
// DistPath and Connector must be set.
type Config struct {
	Host           string
	Port           string
	WorkerCount    int // zero means one per logical CPU
	SandboxOptions map[string]interface{}

	DistPath  string
	Connector Connector

	// Spawner defaults to an ExecSpawner re-executing this binary.
	Spawner Spawner

	// Env returns extra environment for each forked worker.
	Env func() []string

	// Output receives console output.  Nil means a UI on stderr.
	Output io.Writer

	StopTime      time.Duration // grace period after SIGTERM, default 10s
	RespawnLimit  int           // respawns allowed per RespawnPeriod; 0 is unlimited
	RespawnPeriod time.Duration
	BootTimeout   time.Duration // 0 waits forever for the first healthy pool
}

type worker struct {
	id      int
	proc    Process
	state   WorkerState
	path    string // last artifact given to the worker
	forked  time.Time
	healthy time.Time
	stalled bool // messages are being dropped
}

// WorkerInfo is a snapshot of one worker.
type WorkerInfo struct {
	Id       int       `json:"id"`
	Pid      int       `json:"pid"`
	State    string    `json:"state"`
	DistPath string    `json:"distPath"`
	Forked   time.Time `json:"forked"`
	Healthy  time.Time `json:"healthy"`
}

// Info is a snapshot of the Supervisor.
type Info struct {
	Host        string    `json:"host"`
	Port        string    `json:"port"`
	WorkerCount int       `json:"workerCount"`
	Workers     int       `json:"workers"`
	Healthy     int       `json:"healthy"`
	DistPath    string    `json:"distPath"`
	State       string    `json:"state"`
	Static      bool      `json:"static"`
	Serial      int64     `json:"serial,string"`
	CreateTime  time.Time `json:"created"`
	UpdateTime  time.Time `json:"updated"`
}

// Supervisor runs a fixed size pool of workers.  It owns the process
// table and the current artifact location; nothing else mutates them.
type Supervisor struct {
	host      string
	port      string
	count     int
	sandbox   map[string]interface{}
	distPath  string
	static    bool
	connector Connector
	spawner   Spawner
	env       func() []string
	stopTime  time.Duration
	bootTime  time.Duration

	state       PoolState
	workers     map[int]*worker
	nextID      int
	initialized bool
	boot        chan error
	booted      bool
	limit       *limiter

	logger *log.Logger
	mlog   *MultiLogger
	ring   *Log
	writer io.Writer

	serial     int64
	cvs        map[*sync.Cond]bool
	createTime time.Time
	updateTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
	mx     sync.Mutex
}

// New validates cfg and returns an unstarted Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.DistPath == "" && cfg.Connector == nil {
		return nil, &ConfigurationError{
			Message: "Supervisor must be provided with either a distPath or a connector option.",
		}
	}
	if cfg.DistPath != "" && cfg.Connector != nil {
		return nil, &ConfigurationError{
			Message: "Supervisor must be provided with either a distPath or a connector option, but not both.",
		}
	}
	if cfg.WorkerCount < 0 {
		return nil, &ConfigurationError{
			Message: fmt.Sprintf("Worker count must be positive, not %d.", cfg.WorkerCount),
		}
	}

	s := &Supervisor{
		host:       cfg.Host,
		port:       cfg.Port,
		count:      cfg.WorkerCount,
		sandbox:    cfg.SandboxOptions,
		connector:  cfg.Connector,
		spawner:    cfg.Spawner,
		env:        cfg.Env,
		stopTime:   cfg.StopTime,
		bootTime:   cfg.BootTimeout,
		workers:    make(map[int]*worker),
		boot:       make(chan error, 1),
		limit:      newLimiter(cfg.RespawnLimit, cfg.RespawnPeriod),
		cvs:        make(map[*sync.Cond]bool),
		createTime: time.Now(),
		quit:       make(chan struct{}),
	}
	s.updateTime = s.createTime
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.count == 0 {
		s.count = defaultWorkerCount()
	}
	if s.stopTime == 0 {
		s.stopTime = 10 * time.Second
	}
	if cfg.DistPath != "" {
		s.static = true
		s.connector = NewStaticConnector(cfg.DistPath)
	}
	s.distPath = s.connector.DistPath()

	s.ring = NewLog(MaxLogRecords)
	s.mlog = NewMultiLogger()
	s.mlog.Add(s.ring)
	s.writer = cfg.Output
	if s.writer == nil {
		s.writer = NewUI(os.Stderr, RoleSupervisor)
	}
	s.mlog.Add(s.writer)
	s.logger = s.mlog.Logger()

	if s.spawner == nil {
		s.spawner = &ExecSpawner{
			Output: os.Stderr,
			Logger: log.New(s.ring, "", 0),
		}
	}
	return s, nil
}

func defaultWorkerCount() int {
	if os.Getenv(EnvMode) == "test" {
		return 1
	}
	if n, e := cpu.Counts(true); e == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func (s *Supervisor) lock() {
	s.mx.Lock()
}

func (s *Supervisor) unlock() {
	s.mx.Unlock()
}

func (s *Supervisor) logf(format string, v ...interface{}) {
	s.logger.Printf(format, v...)
}

// SetLogWriter replaces the console destination.  The in-memory log is
// unaffected.
func (s *Supervisor) SetLogWriter(w io.Writer) {
	s.lock()
	old := s.writer
	s.writer = w
	s.unlock()
	if old != nil {
		s.mlog.Remove(old)
	}
	if w != nil {
		s.mlog.Add(w)
	}
}

// Log returns the in-memory log of recent supervisor output.
func (s *Supervisor) Log() *Log {
	return s.ring
}

// Logger returns the supervisor's logger.
func (s *Supervisor) Logger() *log.Logger {
	return s.logger
}

// Connector returns the build source, which for a DistPath configuration
// is a StaticConnector.
func (s *Supervisor) Connector() Connector {
	return s.connector
}

// bumpSerial notes a change and wakes watchers.  Call with lock held.
func (s *Supervisor) bumpSerial() {
	s.updateTime = time.Now()
	s.serial++
	for cv := range s.cvs {
		cv.Broadcast()
	}
}

// Serial is incremented on every change to the pool or its configuration.
func (s *Supervisor) Serial() int64 {
	s.lock()
	defer s.unlock()
	return s.serial
}

// WatchSerial waits for the serial to differ from old, for at most expire.
// A zero expire polls.
func (s *Supervisor) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&s.mx)
	var timer *time.Timer

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			s.lock()
			expired = true
			cv.Broadcast()
			s.unlock()
		})
	} else {
		expired = true
	}

	s.lock()
	s.cvs[cv] = true
	rv := s.serial
	for rv == old && !expired {
		cv.Wait()
		rv = s.serial
	}
	delete(s.cvs, cv)
	s.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// Start forks the pool and waits until every worker is healthy.  If any
// worker exits first, the rest are killed and a *FirstBootError is
// returned; first boot failures are never retried.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lock()
	if s.state != PoolInitializing {
		s.unlock()
		return ErrAlreadyStarted
	}
	s.state = PoolForking
	s.bumpSerial()
	static := s.static
	path := s.distPath
	s.unlock()

	s.wg.Add(1)
	go s.watchBuilds()

	if !static && path == "" {
		p, e := s.connector.Resolve(ctx, Build{})
		if e != nil {
			if !errors.Is(e, ErrBuildResolution) {
				e = fmt.Errorf("%w: %v", ErrBuildResolution, e)
			}
			return s.failBoot(&FirstBootError{Err: e})
		}
		s.lock()
		if s.distPath == "" {
			s.distPath = p
			s.bumpSerial()
		}
		s.unlock()
	}

	g := new(errgroup.Group)
	for i := 0; i < s.count; i++ {
		g.Go(func() error {
			_, e := s.fork()
			return e
		})
	}
	if e := g.Wait(); e != nil {
		// A worker that died while its siblings were forking is the
		// better explanation.
		select {
		case be := <-s.boot:
			if be != nil {
				return s.failBoot(be)
			}
		default:
		}
		return s.failBoot(&FirstBootError{Err: e})
	}

	var timeout <-chan time.Time
	if s.bootTime > 0 {
		t := time.NewTimer(s.bootTime)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case e := <-s.boot:
		if e != nil {
			return s.failBoot(e)
		}
	case <-timeout:
		return s.failBoot(&FirstBootError{Err: ErrBootTimeout})
	case <-ctx.Done():
		return s.failBoot(&FirstBootError{Err: ctx.Err()})
	}
	s.logf("Successfully initialized the cluster.")
	return nil
}

// signalBoot reports the outcome of the first boot.  Call with lock held.
func (s *Supervisor) signalBoot(e error) {
	if s.booted {
		return
	}
	s.booted = true
	s.boot <- e
}

func (s *Supervisor) failBoot(e error) error {
	s.lock()
	s.state = PoolFailed
	s.booted = true
	for _, w := range s.workers {
		w.proc.Kill()
	}
	s.bumpSerial()
	s.unlock()
	s.logf("%s%v", ErrorPrefix, e)
	s.halt()
	s.wg.Wait()
	return e
}

func (s *Supervisor) halt() {
	s.stop.Do(func() {
		close(s.quit)
		s.cancel()
	})
}

// fork starts one worker with the current configuration and registers it.
func (s *Supervisor) fork() (*worker, error) {
	s.lock()
	if s.state == PoolStopped || s.state == PoolFailed {
		s.unlock()
		return nil, ErrShutdown
	}
	opts := ForkOptions{
		DistPath:       s.distPath,
		Host:           s.host,
		Port:           s.port,
		SandboxOptions: s.sandbox,
	}
	s.unlock()

	arg, e := EncodeForkOptions(opts)
	if e != nil {
		return nil, e
	}
	var env []string
	if s.env != nil {
		env = s.env()
	}
	proc, e := s.spawner.Spawn([]string{arg}, env)
	if e != nil {
		return nil, e
	}

	s.lock()
	s.nextID++
	w := &worker{
		id:     s.nextID,
		proc:   proc,
		state:  WorkerForked,
		path:   opts.DistPath,
		forked: time.Now(),
	}
	s.workers[w.id] = w
	if s.state == PoolStopped || s.state == PoolFailed {
		proc.Kill()
	}
	s.bumpSerial()
	s.wg.Add(1)
	s.unlock()

	s.logf("Worker %d forked.", proc.Pid())
	go s.serve(w)
	return w, nil
}

// serve reads worker messages until the channel closes, then reaps it.
func (s *Supervisor) serve(w *worker) {
	defer s.wg.Done()
	ch := w.proc.Channel()
	for {
		m, e := ch.Recv()
		if e != nil {
			break
		}
		ev, e := ParseEvent(m)
		if e != nil {
			s.logf("%sWorker %d: %v", ErrorPrefix, w.proc.Pid(), e)
			continue
		}
		s.handle(w, ev)
	}
	ch.Close()
	s.exited(w, w.proc.Wait())
}

func (s *Supervisor) handle(w *worker, ev Event) {
	pid := w.proc.Pid()
	switch ev.(type) {
	case Online:
		s.lock()
		if w.state == WorkerForked {
			w.state = WorkerOnline
			s.bumpSerial()
		}
		s.unlock()
		s.logf("Worker %d online.", pid)

	case Healthy:
		s.lock()
		defer s.unlock()
		if w.state == WorkerHealthy || w.state == WorkerExited {
			return
		}
		w.state = WorkerHealthy
		w.healthy = time.Now()
		s.bumpSerial()
		s.logf("Worker %d healthy.", pid)

		// A build may have resolved after this worker's options were
		// taken but before the broadcast could reach it.
		if s.distPath != "" && w.path != s.distPath {
			s.logf("Sending startup synchronize to healthy Worker %d.", pid)
			s.send(w, Synchronize{DistPath: s.distPath}.Message())
			w.path = s.distPath
		}

		if s.state == PoolForking && s.healthyCount() == s.count {
			s.state = PoolReady
			s.initialized = true
			s.bumpSerial()
			s.signalBoot(nil)
		}

	default:
		s.logf("Worker %d sent unexpected %q message.",
			pid, ev.Message().Event)
	}
}

// healthyCount counts healthy workers.  Call with lock held.
func (s *Supervisor) healthyCount() int {
	n := 0
	for _, w := range s.workers {
		if w.state == WorkerHealthy {
			n++
		}
	}
	return n
}

func (s *Supervisor) exited(w *worker, ex Exited) {
	pid := w.proc.Pid()
	err := ex.Err(pid)

	s.lock()
	defer s.unlock()
	w.state = WorkerExited
	delete(s.workers, w.id)
	s.bumpSerial()

	switch {
	case !s.initialized && s.state == PoolForking:
		s.state = PoolFailed
		s.signalBoot(&FirstBootError{Pid: pid, Err: err})
	case s.state == PoolReady:
		s.logf("%v", err)
		s.wg.Add(1)
		go s.respawn()
	default:
		s.logf("Worker %d exited.", pid)
	}
}

// respawn forks one replacement worker, retrying until it succeeds or the
// pool stops.
func (s *Supervisor) respawn() {
	defer s.wg.Done()
	for {
		s.lock()
		if s.state != PoolReady {
			s.unlock()
			return
		}
		wait, first := s.limit.tooQuickly(time.Now())
		s.unlock()

		if wait == 0 {
			_, e := s.fork()
			if e == nil || errors.Is(e, ErrShutdown) {
				return
			}
			s.logf("%sFailed to fork worker: %v", ErrorPrefix, e)
			wait = time.Second
		} else if first {
			s.logf("%sWorkers %v, delaying respawn by %v.",
				WarnPrefix, ErrRateLimited, wait.Round(time.Millisecond))
		}

		select {
		case <-time.After(wait):
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) watchBuilds() {
	defer s.wg.Done()
	builds := s.connector.Builds()
	for {
		select {
		case b, ok := <-builds:
			if !ok {
				return
			}
			s.wg.Add(1)
			go s.build(b)
		case <-s.quit:
			return
		}
	}
}

// build resolves a new build.  A failure leaves everything as it was.
func (s *Supervisor) build(b Build) {
	defer s.wg.Done()
	s.logf("Received notification that a new build exists.")
	path, e := s.connector.Resolve(s.ctx, b)
	if e != nil {
		s.logf("%sNew build failed to download. Making no changes to configuration.", ErrorPrefix)
		s.logf("%v", e)
		return
	}
	s.logf("New build downloaded. Notifying workers to synchronize.")
	s.Synchronize(path)
}

// Synchronize makes path the current artifact.  Workers forked from now
// on receive it at fork time, and every registered worker is sent a
// synchronize command, whatever its state.
func (s *Supervisor) Synchronize(path string) {
	s.lock()
	defer s.unlock()
	if path == s.distPath {
		s.logf("%sYour new `distPath` is identical to your previous `distPath`. "+
			"Reading from a directory being written to across multiple "+
			"processes is dangerous.", WarnPrefix)
	}
	s.distPath = path
	s.bumpSerial()
	s.broadcast(Synchronize{DistPath: path}.Message())
	for _, w := range s.workers {
		w.path = path
	}
}

// Broadcast sends m to every registered worker.  Delivery is per worker
// ordered, with no acknowledgement.
func (s *Supervisor) Broadcast(m Message) {
	s.lock()
	defer s.unlock()
	s.broadcast(m)
}

func (s *Supervisor) broadcast(m Message) {
	for _, w := range s.sorted() {
		s.send(w, m)
	}
}

// send queues m for w without waiting, so a worker that stops reading
// cannot hold the lock.  Call with lock held.
func (s *Supervisor) send(w *worker, m Message) {
	switch e := w.proc.Channel().TrySend(m); {
	case e == nil:
		if w.stalled {
			w.stalled = false
			s.logf("Worker %d is reading messages again.", w.proc.Pid())
		}
	case errors.Is(e, ErrChannelFull):
		if !w.stalled {
			w.stalled = true
			s.logf("%sWorker %d is not reading messages; dropping %q.",
				ErrorPrefix, w.proc.Pid(), m.Event)
		}
	default:
		s.logf("Worker %d: %v", w.proc.Pid(), e)
	}
}

// sorted returns workers by id.  Call with lock held.
func (s *Supervisor) sorted() []*worker {
	ws := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].id < ws[j].id })
	return ws
}

// Shutdown stops respawning and terminates every worker, killing any that
// outlive the stop time.  It returns once all have been reaped.
func (s *Supervisor) Shutdown() {
	s.lock()
	if s.state != PoolFailed {
		s.state = PoolStopped
	}
	s.signalBoot(&FirstBootError{Err: ErrShutdown})
	ws := s.sorted()
	s.bumpSerial()
	s.unlock()
	s.halt()

	for _, w := range ws {
		if e := w.proc.Signal(syscall.SIGTERM); e != nil {
			s.logf("Worker %d: %v", w.proc.Pid(), e)
		}
	}
	timer := time.AfterFunc(s.stopTime, func() {
		s.lock()
		left := s.sorted()
		s.unlock()
		for _, w := range left {
			s.logf("Worker %d did not stop, killing it.", w.proc.Pid())
			w.proc.Kill()
		}
	})
	s.wg.Wait()
	timer.Stop()
}

// Workers returns a snapshot of the pool ordered by id.
func (s *Supervisor) Workers() []WorkerInfo {
	s.lock()
	defer s.unlock()
	ws := s.sorted()
	infos := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		infos = append(infos, WorkerInfo{
			Id:       w.id,
			Pid:      w.proc.Pid(),
			State:    w.state.String(),
			DistPath: w.path,
			Forked:   w.forked,
			Healthy:  w.healthy,
		})
	}
	return infos
}

// Info returns a snapshot of the Supervisor.
func (s *Supervisor) Info() Info {
	s.lock()
	defer s.unlock()
	return Info{
		Host:        s.host,
		Port:        s.port,
		WorkerCount: s.count,
		Workers:     len(s.workers),
		Healthy:     s.healthyCount(),
		DistPath:    s.distPath,
		State:       s.state.String(),
		Static:      s.static,
		Serial:      s.serial,
		CreateTime:  s.createTime,
		UpdateTime:  s.updateTime,
	}
}

// DistPath returns the current artifact location.
func (s *Supervisor) DistPath() string {
	s.lock()
	defer s.unlock()
	return s.distPath
}

// State returns the pool state.
func (s *Supervisor) State() PoolState {
	s.lock()
	defer s.unlock()
	return s.state
}
