package dispatch

import (
	"time"

	"github.com/goburrow/modbus"
)

// ModbusWriter writes single holding registers over MODBUS/TCP.
type ModbusWriter struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewModbusWriter connects to a MODBUS/TCP endpoint (e.g. "10.0.0.5:502").
func NewModbusWriter(address string, slaveID byte, timeout time.Duration) (*ModbusWriter, error) {
	h := modbus.NewTCPClientHandler(address)
	h.Timeout = timeout
	h.SlaveId = slaveID
	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &ModbusWriter{handler: h, client: modbus.NewClient(h)}, nil
}

// WriteRegister writes one holding register.
func (w *ModbusWriter) WriteRegister(register, value uint16) error {
	_, err := w.client.WriteSingleRegister(register, value)
	return err
}

// Close releases the TCP connection.
func (w *ModbusWriter) Close() error { return w.handler.Close() }
