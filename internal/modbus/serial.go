package modbus

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes the RS-485 adapter. The line is always 8N1.
type SerialConfig struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// serialPort waits for the request to leave the UART before the read starts,
// otherwise the first bytes of the reply can be lost on half-duplex adapters.
type serialPort struct {
	serial.Port
}

func (p *serialPort) Write(b []byte) (int, error) {
	n, err := p.Port.Write(b)
	if err != nil {
		return n, err
	}
	return n, p.Port.Drain()
}

// SerialOpener returns an Opener for a local serial device
func SerialOpener(cfg SerialConfig) Opener {
	return func() (Port, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Device, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Device, err)
		}
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Device, err)
		}
		// Some USB dongles come back from a reconnect with undefined control lines
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)

		return &serialPort{Port: port}, nil
	}
}
