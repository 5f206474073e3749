package inverter

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// register addresses for the holding/input register map this driver
// targets; a hybrid inverter exposing telemetry and mode control over
// Modbus TCP typically groups them this way.
const (
	regSOC        = 0x0000
	regSolarW     = 0x0002
	regLoadW      = 0x0004
	regGridW      = 0x0006
	regBatteryW   = 0x0008
	regFaultFlags = 0x000A
	regModeWrite  = 0x0100
	regPowerWrite = 0x0101
	regExportCap  = 0x0102
)

// ModbusDriver is a minimal Modbus-TCP client for the register map
// above. No Modbus client library is present anywhere in the retrieved
// example pack (grep across every go.mod/go.sum turns up nothing), so
// this talks raw Modbus-TCP ADUs over net.Conn rather than fabricating
// a dependency; see DESIGN.md.
type ModbusDriver struct {
	mu     sync.Mutex
	conn   net.Conn
	unitID byte
	txSeq  uint16
}

// DialModbus opens a TCP connection to a Modbus-TCP inverter.
func DialModbus(ctx context.Context, address string, unitID byte) (*ModbusDriver, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("modbus driver: dial %s: %w", address, err)
	}
	return &ModbusDriver{conn: conn, unitID: unitID}, nil
}

// ReadTelemetry reads the telemetry register block in one request.
func (m *ModbusDriver) ReadTelemetry(ctx context.Context) (Telemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn.SetDeadline(deadlineFrom(ctx, ReadTimeout))
	regs, err := m.readHoldingRegisters(regSOC, regFaultFlags-regSOC+1)
	if err != nil {
		return Telemetry{}, fmt.Errorf("modbus driver: read telemetry: %w", err)
	}
	if len(regs) < regFaultFlags-regSOC+1 {
		return Telemetry{}, fmt.Errorf("modbus driver: read telemetry: short reply (%d registers)", len(regs))
	}
	at := func(addr uint16) uint16 { return regs[addr-regSOC] }

	t := Telemetry{
		SOC:      float64(at(regSOC)) / 1000,
		SolarW:   int16ToFloat(at(regSolarW)),
		LoadW:    int16ToFloat(at(regLoadW)),
		GridW:    int16ToFloat(at(regGridW)),
		BatteryW: int16ToFloat(at(regBatteryW)),
		ReadAt:   time.Now(),
	}
	if at(regFaultFlags) != 0 {
		t.FaultFlags = []string{fmt.Sprintf("modbus_fault_bits_0x%04x", at(regFaultFlags))}
	}
	return t, nil
}

// SetMode writes the mode/power/export-cap registers in one request.
func (m *ModbusDriver) SetMode(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn.SetDeadline(deadlineFrom(ctx, SetModeTimeout))
	values := []uint16{
		uint16(cmd.Mode),
		floatToUint16(cmd.PowerW),
		floatToUint16(cmd.ExportCapW),
	}
	if err := m.writeHoldingRegisters(regModeWrite, values); err != nil {
		return fmt.Errorf("modbus driver: set mode: %w", err)
	}
	return nil
}

// Close releases the TCP connection.
func (m *ModbusDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.Close()
}

func deadlineFrom(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}

func int16ToFloat(v uint16) float64 { return float64(int16(v)) }

func floatToUint16(v float64) uint16 {
	if v > 32767 {
		v = 32767
	}
	if v < -32768 {
		v = -32768
	}
	return uint16(int16(v))
}

// readHoldingRegisters sends function code 0x03 and parses the reply.
func (m *ModbusDriver) readHoldingRegisters(addr uint16, count uint16) ([]uint16, error) {
	m.txSeq++
	req := make([]byte, 12)
	binary.BigEndian.PutUint16(req[0:2], m.txSeq)
	binary.BigEndian.PutUint16(req[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(req[4:6], 6) // remaining length
	req[6] = m.unitID
	req[7] = 0x03
	binary.BigEndian.PutUint16(req[8:10], addr)
	binary.BigEndian.PutUint16(req[10:12], count)

	if _, err := m.conn.Write(req); err != nil {
		return nil, err
	}

	// MBAP header (7 bytes), function code, then the byte count.
	header := make([]byte, 9)
	if _, err := readFull(m.conn, header); err != nil {
		return nil, err
	}
	byteCount := int(header[8])
	body := make([]byte, byteCount)
	if _, err := readFull(m.conn, body); err != nil {
		return nil, err
	}

	regs := make([]uint16, byteCount/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(body[i*2 : i*2+2])
	}
	return regs, nil
}

// writeHoldingRegisters sends function code 0x10 (write multiple
// registers) starting at addr.
func (m *ModbusDriver) writeHoldingRegisters(addr uint16, values []uint16) error {
	m.txSeq++
	byteCount := len(values) * 2
	req := make([]byte, 13+byteCount)
	binary.BigEndian.PutUint16(req[0:2], m.txSeq)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint16(req[4:6], uint16(7+byteCount))
	req[6] = m.unitID
	req[7] = 0x10
	binary.BigEndian.PutUint16(req[8:10], addr)
	binary.BigEndian.PutUint16(req[10:12], uint16(len(values)))
	req[12] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(req[13+i*2:15+i*2], v)
	}

	if _, err := m.conn.Write(req); err != nil {
		return err
	}
	resp := make([]byte, 12)
	_, err := readFull(m.conn, resp)
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var _ Driver = (*ModbusDriver)(nil)
