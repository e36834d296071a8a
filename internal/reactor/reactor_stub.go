//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package reactor

import (
	"errors"
	"net"

	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("reactor: closed")
	ErrInvalidFD    = errors.New("reactor: invalid descriptor")
	ErrNoDescriptor = errors.New("reactor: listener exposes no descriptor")
	ErrUnsupported  = errors.New("reactor: this platform is not supported")
)

type Kind uint8

const (
	Read Kind = iota
	Write
	Except
)

type Config struct {
	Logger zerolog.Logger
}

func DefaultConfig() Config { return Config{} }

type Reactor struct{}

type Listener struct{ net.Listener }

func New(Config) (*Reactor, error) { return nil, ErrUnsupported }

func (r *Reactor) AddWatch(int, Kind, func()) error        { return ErrUnsupported }
func (r *Reactor) RemoveWatch(int, Kind) bool              { return false }
func (r *Reactor) Len() int                                { return 0 }
func (r *Reactor) Close() error                            { return nil }
func (r *Reactor) Listen(net.Listener) (*Listener, error) { return nil, ErrUnsupported }
