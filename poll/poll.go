// Package poll waits for readiness across encoder channel descriptors.
package poll

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"ipc-streamer/hal"
)

// Result lists indexes into the waited descriptor slice.
type Result struct {
	Ready  []int
	Broken []int
}

// Waiter blocks until one of fds is readable or timeout passes.
// A zero Result means nothing became ready in time.
type Waiter interface {
	Wait(fds []int, timeout time.Duration) (Result, error)
}

// Poller is the unix.Poll backed Waiter.
type Poller struct{}

// New returns the default Waiter.
func New() *Poller { return &Poller{} }

const brokenMask = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

// Wait implements Waiter. An interrupted wait counts as zero ready;
// any other failure is a *hal.WaitError.
func (p *Poller) Wait(fds []int, timeout time.Duration) (Result, error) {
	if len(fds) == 0 {
		time.Sleep(timeout)
		return Result{}, nil
	}

	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI}
	}

	n, err := unix.Poll(pfds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return Result{}, nil
		}
		return Result{}, &hal.WaitError{Err: err}
	}
	if n == 0 {
		return Result{}, nil
	}

	var res Result
	for i, pfd := range pfds {
		switch {
		case pfd.Revents&(unix.POLLIN|unix.POLLPRI) != 0:
			res.Ready = append(res.Ready, i)
		case pfd.Revents&brokenMask != 0:
			res.Broken = append(res.Broken, i)
		}
	}
	return res, nil
}
