//go:build !linux

package reactor

import (
	"net"
	"time"
)

type event struct {
	fd       int
	readable bool
	writable bool
	hangup   bool
}

type poller struct{}

func newPoller(int) (*poller, error) { return nil, ErrUnsupported }

func (p *poller) add(int, int) error { return ErrUnsupported }
func (p *poller) mod(int, int) error { return ErrUnsupported }
func (p *poller) del(int) error      { return ErrUnsupported }
func (p *poller) wake()              {}
func (p *poller) close()             {}

func (p *poller) wait(dst []event, _ time.Duration) ([]event, error) {
	return dst, ErrUnsupported
}

func listenTCP(string, int) (int, *net.TCPAddr, error) { return -1, nil, ErrUnsupported }
func accept(int) (int, *net.TCPAddr, error)            { return -1, nil, ErrUnsupported }
func dial(string) (int, *net.TCPAddr, error)           { return -1, nil, ErrUnsupported }
func connectResult(int) error                          { return ErrUnsupported }
func localAddr(int) *net.TCPAddr                       { return nil }
func readFD(int, []byte) (int, error)                  { return 0, ErrUnsupported }
func writeFD(int, []byte) (int, error)                 { return 0, ErrUnsupported }
func closeFD(int)                                      {}
