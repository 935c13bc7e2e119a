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
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ChannelEnv names the environment variable through which a worker learns
// the descriptor number of its supervisor channel.
const ChannelEnv = "APPVISOR_CHANNEL_FD"

// channelFD is where ExtraFiles[0] lands in the child.
const channelFD = 3

// ExecSpawner starts workers by executing a program, normally the running
// binary itself, with the encoded fork options as the final argument.
type ExecSpawner struct {
	Path   string   // defaults to os.Executable()
	Args   []string // defaults to []string{"worker"}
	Env    []string // added to the inherited environment
	Dir    string
	Output io.Writer   // child stdout and stderr, line by line; nil discards
	Logger *log.Logger // if set, child lines are also logged here
}

type execProcess struct {
	cmd    *exec.Cmd
	ch     *Channel
	exit   Exited
	done   chan struct{}
	logger *log.Logger
	out    io.Writer
	outmx  sync.Mutex
}

func (s *ExecSpawner) Spawn(args []string, env []string) (Process, error) {
	path := s.Path
	if path == "" {
		exe, e := os.Executable()
		if e != nil {
			return nil, e
		}
		path = exe
	}
	argv := s.Args
	if argv == nil {
		argv = []string{"worker"}
	}

	// Hold off concurrent forks until both ends are close-on-exec, or
	// another worker could inherit this one's channel and keep it open.
	syscall.ForkLock.RLock()
	fds, e := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if e == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if e != nil {
		return nil, fmt.Errorf("socketpair: %w", e)
	}
	parent := os.NewFile(uintptr(fds[0]), "appvisor-supervisor")
	child := os.NewFile(uintptr(fds[1]), "appvisor-worker")
	defer child.Close()

	conn, e := net.FileConn(parent)
	parent.Close()
	if e != nil {
		return nil, e
	}

	cmd := exec.Command(path, append(append([]string{}, argv...), args...)...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, env...)
	cmd.Env = append(cmd.Env, ChannelEnv+"="+strconv.Itoa(channelFD))
	cmd.ExtraFiles = []*os.File{child}

	p := &execProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: s.Logger,
		out:    s.Output,
	}
	stdout, e := cmd.StdoutPipe()
	if e != nil {
		conn.Close()
		return nil, e
	}
	stderr, e := cmd.StderrPipe()
	if e != nil {
		conn.Close()
		return nil, e
	}
	if e := cmd.Start(); e != nil {
		conn.Close()
		return nil, e
	}
	p.ch = NewChannel(conn)

	var pipes sync.WaitGroup
	pipes.Add(2)
	pfx := fmt.Sprintf("w%d ", cmd.Process.Pid)
	go p.doLog(stdout, pfx+"stdout> ", &pipes)
	go p.doLog(stderr, pfx+"stderr> ", &pipes)
	go p.doWait(&pipes)
	return p, nil
}

func (p *execProcess) doLog(r io.Reader, prefix string, wg *sync.WaitGroup) {
	defer wg.Done()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			line = strings.TrimRight(line, "\n")
			if p.out != nil {
				p.outmx.Lock()
				io.WriteString(p.out, line+"\n")
				p.outmx.Unlock()
			}
			if p.logger != nil {
				p.logger.Print(prefix, line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *execProcess) doWait(pipes *sync.WaitGroup) {
	// Drain output before Wait closes the pipes.
	pipes.Wait()
	p.cmd.Wait()
	if ps := p.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.exit.Signal = unix.SignalName(ws.Signal())
			if p.exit.Signal == "" {
				p.exit.Signal = ws.Signal().String()
			}
		} else {
			p.exit.Code = ps.ExitCode()
		}
	}
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Channel() *Channel {
	return p.ch
}

func (p *execProcess) Wait() Exited {
	<-p.done
	return p.exit
}

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}

// InheritedChannel returns the supervisor channel handed to this process,
// or nil if the process was not started by an ExecSpawner.
func InheritedChannel() (*Channel, error) {
	v := os.Getenv(ChannelEnv)
	if v == "" {
		return nil, nil
	}
	fd, e := strconv.Atoi(v)
	if e != nil || fd < 0 {
		return nil, fmt.Errorf("%w: %s=%q", ErrNoChannelFD, ChannelEnv, v)
	}
	f := os.NewFile(uintptr(fd), "appvisor-channel")
	conn, e := net.FileConn(f)
	f.Close()
	if e != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoChannelFD, e)
	}
	os.Unsetenv(ChannelEnv)
	return NewChannel(conn), nil
}

// Listen opens a TCP listener that other workers may share.  The kernel
// spreads incoming connections across every process bound to the address.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			e := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd),
					unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr == nil {
					serr = unix.SetsockoptInt(int(fd),
						unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if e != nil {
				return e
			}
			return serr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
