// Package device ties the register bank, the sampling engine and the board
// together and provides the lifecycle callbacks of the input expander.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/hardware"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/sampler"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	startupOn       = 50 * time.Millisecond
	startupOff      = 0
	warningBlinks   = 50
	warningInterval = 100 * time.Millisecond
)

// Defaults are written into the bank by ResetRegisters.
type Defaults struct {
	InputSampling   types.InputSamplingMode
	EncoderSampling types.EncoderMode
	ExpansionBoard  types.ExpansionBoard
}

type Options struct {
	// StrictHardwareCheck halts the device when the board fails the identity
	// check. Otherwise the device blinks a warning and carries on.
	StrictHardwareCheck bool
	VisualEnabled       bool
	Defaults            Defaults

	// HostID identifies the machine running the device in Info.
	HostID string

	// Sleep paces the startup LED sequences. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// Device owns the register bank. Every exported method runs to completion
// under one lock, so register access from the host never interleaves with a
// tick.
type Device struct {
	mu sync.Mutex

	board   hardware.Board
	bank    *registers.Bank
	engine  *sampler.Engine
	emitter *events.Dispatcher
	logger  *zap.Logger
	opts    Options

	state     State
	visual    bool
	sessionID uuid.UUID
}

func New(board hardware.Board, emitter *events.Dispatcher, opts Options, logger *zap.Logger) *Device {
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	d := &Device{
		board:     board,
		emitter:   emitter,
		logger:    logger,
		opts:      opts,
		state:     StateInitializing,
		visual:    opts.VisualEnabled,
		sessionID: uuid.New(),
	}

	d.bank = registers.NewBank(registers.Hooks{
		InputSamplingChanged:  d.inputSamplingChanged,
		ExpansionBoardChanged: d.expansionBoardChanged,
	})
	emitter.Bind(d.bank)
	d.engine = sampler.NewEngine(d.bank, board, board, emitter, display{d})

	return d
}

// Initialize runs the hardware identity check, the startup sequence and the
// register reset. Sampling stays off until it returns nil.
func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setState(StateInitializing); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDeviceFaulted, err)
	}

	if !d.board.IsInputExpander() {
		if d.opts.StrictHardwareCheck {
			d.logger.Error("Hardware is not an input expander, halting",
				zap.String("session_id", d.sessionID.String()))
			if err := d.setState(StateFault); err != nil {
				return err
			}
			return types.ErrHardwareMismatch
		}

		d.logger.Warn("Hardware is not an input expander, continuing in permissive mode")
		for i := 0; i < warningBlinks; i++ {
			d.board.ToggleLED(hardware.LED0)
			d.opts.Sleep(warningInterval)
		}
	}

	d.startupSequence()

	d.resetRegisters()
	d.registersReinitialized()

	if err := d.setState(StateRunning); err != nil {
		return err
	}

	d.logger.Info("Input expander initialized",
		zap.Uint16("who_am_i", types.WhoAmI),
		zap.String("session_id", d.sessionID.String()),
		zap.Stringer("input_sampling", d.bank.InputSampling()),
		zap.Stringer("encoder_sampling", d.bank.EncoderSampling()))

	return nil
}

func (d *Device) startupSequence() {
	sleep := d.opts.Sleep

	for i := 0; i < 2; i++ {
		for _, led := range hardware.ChaseOrder {
			d.board.SetLED(led, true)
			sleep(startupOn)
			d.board.SetLED(led, false)
			sleep(startupOff)
		}
	}
	sleep(startupOn * 2)

	for i := 0; i < 2; i++ {
		d.setAllLEDs(true)
		sleep(startupOn * 2)
		d.setAllLEDs(false)
		sleep(startupOn * 2)
	}

	sleep(500 * time.Millisecond)
	d.board.SetLED(hardware.LEDPower, true)
}

func (d *Device) setAllLEDs(on bool) {
	for _, led := range hardware.ChaseOrder {
		d.board.SetLED(led, on)
	}
}

func (d *Device) setState(to State) error {
	if d.state == to {
		return nil
	}
	if err := ValidateTransition(d.state, to); err != nil {
		return err
	}
	d.state = to
	return nil
}

// ResetRegisters restores the register defaults.
func (d *Device) ResetRegisters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetRegisters()
}

func (d *Device) resetRegisters() {
	d.bank.Reset()

	d.bank.SetEdgeConfig(registers.EdgeConfig{
		DigitalRising:  types.DigitalInputMask,
		DigitalFalling: types.DigitalInputMask,
		AuxRising:      types.AuxInputMask,
		AuxFalling:     types.AuxInputMask,
	})

	defaults := []struct {
		address uint8
		value   uint8
	}{
		{types.AddressInputSampling, uint8(d.opts.Defaults.InputSampling)},
		{types.AddressEncoderSampling, uint8(d.opts.Defaults.EncoderSampling)},
		{types.AddressExpansionBoard, uint8(d.opts.Defaults.ExpansionBoard)},
	}
	for _, def := range defaults {
		if err := d.bank.Write(def.address, types.PayloadU8, []byte{def.value}, 1); err != nil {
			d.logger.Warn("Ignoring invalid register default",
				zap.Uint8("address", def.address),
				zap.Uint8("value", def.value),
				zap.Error(err))
		}
	}
}

// RegistersReinitialized brings derived state back in line with the bank
// after any bank-wide reset. Register values are left untouched.
func (d *Device) RegistersReinitialized() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registersReinitialized()
}

func (d *Device) registersReinitialized() {
	if d.visual {
		d.showInputs(sampler.PackLines(d.board.ReadLine, types.DigitalInputLines))
	}

	for _, address := range []uint8{types.AddressInputSampling, types.AddressExpansionBoard} {
		if err := d.bank.Replay(address); err != nil {
			d.logger.Error("Failed to replay register", zap.Uint8("address", address), zap.Error(err))
		}
	}
}

// Read returns the payload of an application register.
func (d *Device) Read(address uint8, t types.PayloadType) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateFault {
		return nil, types.ErrDeviceFaulted
	}
	return d.bank.Read(address, t)
}

// Write stores payload into an application register after validation.
func (d *Device) Write(address uint8, t types.PayloadType, payload []byte, elements int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateFault {
		return types.ErrDeviceFaulted
	}

	if err := d.bank.Write(address, t, payload, elements); err != nil {
		d.logger.Debug("Register write rejected",
			zap.Uint8("address", address),
			zap.Stringer("type", t),
			zap.Int("elements", elements),
			zap.Error(err))
		return err
	}

	d.logger.Debug("Register written", zap.Uint8("address", address), zap.Binary("payload", payload))
	return nil
}

// Tick implements sampler.Clocked.
func (d *Device) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateRunning {
		return
	}
	d.engine.OnTick()
}

// NewSecond implements sampler.Clocked.
func (d *Device) NewSecond() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine.OnNewSecond()
}

// SetVisualEnabled switches the indicators on or off.
func (d *Device) SetVisualEnabled(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.visual == on {
		return
	}
	d.visual = on

	if on {
		state, _ := d.bank.DigitalInputs()
		d.showInputs(state)
		d.board.SetLED(hardware.LEDPower, true)
		return
	}

	for led := hardware.LED0; led <= hardware.LED9; led++ {
		d.board.SetLED(led, false)
	}
	d.board.SetLED(hardware.LEDPower, false)
}

func (d *Device) VisualEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visual
}

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns a copy of every register value.
func (d *Device) Snapshot() registers.Values {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bank.Snapshot()
}

func (d *Device) Info() types.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return types.DeviceInfo{
		WhoAmI:          types.WhoAmI,
		Name:            types.DefaultDeviceName,
		HardwareVersion: fmt.Sprintf("%d.%d", types.HardwareVersionH, types.HardwareVersionL),
		FirmwareVersion: fmt.Sprintf("%d.%d", types.FirmwareVersionH, types.FirmwareVersionL),
		Assembly:        types.AssemblyVersion,
		SessionID:       d.sessionID.String(),
		HostID:          d.opts.HostID,
		State:           d.state.String(),
		VisualEnabled:   d.visual,
	}
}

// showInputs maps the packed inputs onto the indicators of the selected
// expansion board. Callers hold d.mu.
func (d *Device) showInputs(state uint16) {
	switch d.bank.ExpansionBoard() {
	case types.ExpansionBreakout:
		d.board.SetPort(uint8(state))
		d.board.SetLED(hardware.LED8, state&types.DI8 != 0)
		d.board.SetLED(hardware.LED9, state&types.DI9 != 0)
	}
}

func (d *Device) inputSamplingChanged(mode types.InputSamplingMode) {
	d.board.ApplyInputMode(mode)
	d.logger.Debug("Input sampling applied", zap.Stringer("mode", mode))
}

func (d *Device) expansionBoardChanged(board types.ExpansionBoard) {
	d.board.ApplyExpansion(board)
	if d.visual {
		state, _ := d.bank.DigitalInputs()
		d.showInputs(state)
	}
	d.logger.Debug("Expansion board applied", zap.Stringer("board", board))
}

// display lets the engine reach the indicators while the device lock is
// already held by Tick.
type display struct {
	d *Device
}

func (v display) VisualEnabled() bool {
	return v.d.visual
}

func (v display) ShowInputs(state uint16) {
	v.d.showInputs(state)
}
