//go:build !linux

package sgio

import (
	"errors"

	"github.com/loopholelabs/scsilink/pkg/adapter/bus"
)

var ErrUnsupported = errors.New("scsi generic access requires linux")

type Bus struct {
	bus.Bus
}

func Open(path string, target int) (*Bus, error) {
	return nil, ErrUnsupported
}

func (b *Bus) Close() error {
	return ErrUnsupported
}

func (b *Bus) Target() int {
	return -1
}
