package util

// Lightweight single-signal sender/receiver pair.

import (
	"sync"
)

func NewSingleSignalPair[T any]() (SignalSender[T], SignalReceiver[T]) {
	sigCh := make(chan T, 1)
	once := &sync.Once{}
	closeSigCh := func() { once.Do(func() { close(sigCh) }) }

	return SignalSender[T]{
			send: func(data T) {
				once.Do(func() {
					sigCh <- data
					close(sigCh)
				})
			},
		}, SignalReceiver[T]{
			sigCh:      sigCh,
			closeSigCh: closeSigCh,
		}
}

type SignalSender[T any] struct {
	send func(T)
}

type SignalReceiver[T any] struct {
	sigCh      chan T
	closeSigCh func()
}

// Send delivers the signal. Only the first call has any effect.
func (s SignalSender[T]) Send(data T) {
	s.send(data)
}

func (s SignalReceiver[T]) Recv() <-chan T {
	return s.sigCh
}

func (s SignalReceiver[T]) Close() {
	s.closeSigCh()
}
