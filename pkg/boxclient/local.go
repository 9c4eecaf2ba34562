package boxclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/goburrow/modbus"
)

// Holding register layout of the local Modbus TCP interface. Energies are in
// 0.01 kWh units, limits in 10 W units.
const (
	regSOC         = 0
	regCapacity    = 1
	regMode        = 2
	regBoiler      = 3
	regExportLimit = 4
	regCount       = 5
)

// Extended register bank. Temperature in 0.1 degC, lifetime energies as
// 32-bit values in 0.1 kWh units, firmware as major/minor bytes.
const (
	regExtTemp        = 10
	regExtCycles      = 11
	regExtChargeHi    = 12
	regExtChargeLo    = 13
	regExtDischargeHi = 14
	regExtDischargeLo = 15
	regExtFirmware    = 16
	regExtBase        = regExtTemp
	regExtCount       = 7
)

var modeToRegister = map[types.ModeKind]uint16{
	types.ModeHomeI:   1,
	types.ModeHomeII:  2,
	types.ModeHomeIII: 3,
	types.ModeHomeUPS: 4,
}

var registerToMode = map[uint16]types.ModeKind{
	1: types.ModeHomeI,
	2: types.ModeHomeII,
	3: types.ModeHomeIII,
	4: types.ModeHomeUPS,
}

// Local reads and controls a Battery Box over its local Modbus TCP port. It
// needs no authentication and never sees the vendor cloud.
type Local struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewLocal creates a Modbus client against addr (host:port).
func NewLocal(addr string, slaveID byte) *Local {
	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 10 * time.Second
	handler.SlaveId = slaveID
	return &Local{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
}

// Close releases the Modbus connection.
func (l *Local) Close() error {
	return l.handler.Close()
}

// GetTelemetry implements Client.
func (l *Local) GetTelemetry(ctx context.Context) (types.TelemetrySnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.client.ReadHoldingRegisters(regSOC, regCount)
	if err != nil {
		return types.TelemetrySnapshot{}, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}
	if len(raw) < regCount*2 {
		return types.TelemetrySnapshot{}, fmt.Errorf("short modbus read: %d bytes", len(raw))
	}

	word := func(reg int) uint16 {
		return binary.BigEndian.Uint16(raw[reg*2 : reg*2+2])
	}

	mode, ok := registerToMode[word(regMode)]
	if !ok {
		return types.TelemetrySnapshot{}, fmt.Errorf("unknown mode register value: %d", word(regMode))
	}

	return types.TelemetrySnapshot{
		SOCKWH:           float64(word(regSOC)) / 100.0,
		CapacityKWH:      float64(word(regCapacity)) / 100.0,
		Mode:             mode,
		BoilerOn:         word(regBoiler) != 0,
		GridExportLimitW: int(word(regExportLimit)) * 10,
		LastUpdate:       time.Now(),
	}, nil
}

// GetExtendedStats implements Client.
func (l *Local) GetExtendedStats(ctx context.Context) (types.ExtendedStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.client.ReadHoldingRegisters(regExtBase, regExtCount)
	if err != nil {
		return types.ExtendedStats{}, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}
	if len(raw) < regExtCount*2 {
		return types.ExtendedStats{}, fmt.Errorf("short modbus read: %d bytes", len(raw))
	}

	word := func(reg int) uint16 {
		return binary.BigEndian.Uint16(raw[(reg-regExtBase)*2 : (reg-regExtBase)*2+2])
	}
	dword := func(hi, lo int) uint32 {
		return uint32(word(hi))<<16 | uint32(word(lo))
	}

	fw := word(regExtFirmware)
	return types.ExtendedStats{
		BatteryTempC:         float64(word(regExtTemp)) / 10.0,
		CycleCount:           int(word(regExtCycles)),
		LifetimeChargeKWH:    float64(dword(regExtChargeHi, regExtChargeLo)) / 10.0,
		LifetimeDischargeKWH: float64(dword(regExtDischargeHi, regExtDischargeLo)) / 10.0,
		FirmwareVersion:      fmt.Sprintf("%d.%d", fw>>8, fw&0xff),
		LastUpdate:           time.Now(),
	}, nil
}

// SetMode implements Client.
func (l *Local) SetMode(ctx context.Context, mode types.ModeKind) error {
	val, ok := modeToRegister[mode]
	if !ok {
		return fmt.Errorf("unknown mode: %q", mode)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.client.WriteSingleRegister(regMode, val)
	return err
}

// SetGridExportLimit implements Client.
func (l *Local) SetGridExportLimit(ctx context.Context, limitW int) error {
	if limitW < 0 {
		return fmt.Errorf("negative export limit: %d", limitW)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.client.WriteSingleRegister(regExportLimit, uint16(limitW/10))
	return err
}

// SetBoiler implements Client.
func (l *Local) SetBoiler(ctx context.Context, on bool) error {
	var val uint16
	if on {
		val = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.client.WriteSingleRegister(regBoiler, val)
	return err
}

// Announce implements Client. The local interface has no UI surface, so
// announcements are a no-op.
func (l *Local) Announce(ctx context.Context, message string) error {
	return nil
}
