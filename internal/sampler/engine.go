// Package sampler implements the periodic acquisition of the digital inputs
// and the rotary encoder.
package sampler

import (
	"github.com/KevinKickass/OpenInputExpander/internal/hardware"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
)

// Emitter pushes the current value of a register towards the host. It must
// not block.
type Emitter interface {
	Emit(address uint8, alwaysSend bool)
}

// Display mirrors sampled inputs on the indicators.
type Display interface {
	VisualEnabled() bool
	ShowInputs(state uint16)
}

// Engine runs once per tick. It is not safe for concurrent use; the owner
// serializes OnTick, OnNewSecond and every bank access.
type Engine struct {
	bank    *registers.Bank
	inputs  hardware.Inputs
	counter hardware.Counter
	emitter Emitter
	display Display

	acquisition uint16
}

func NewEngine(bank *registers.Bank, inputs hardware.Inputs, counter hardware.Counter, emitter Emitter, display Display) *Engine {
	return &Engine{
		bank:    bank,
		inputs:  inputs,
		counter: counter,
		emitter: emitter,
		display: display,
	}
}

// OnTick samples whatever the configured modes select for this tick.
func (e *Engine) OnTick() {
	e.acquisition++

	if mode := e.bank.EncoderSampling(); mode.Enabled() {
		e.sampleEncoder(mode)
	}

	if InputsGated(e.bank.InputSampling(), e.acquisition) {
		e.sampleInputs()
	}
}

// OnNewSecond restarts rate decimation.
func (e *Engine) OnNewSecond() {
	e.acquisition = 0
}

// Acquisition returns the tick count since the last second boundary.
func (e *Engine) Acquisition() uint16 {
	return e.acquisition
}

func (e *Engine) sampleEncoder(mode types.EncoderMode) {
	if mode == types.EncoderOnMovement {
		if e.acquisition&1 != 0 {
			return
		}
		v := TransformEncoder(e.counter.ReadCounter())
		if v != e.bank.EncoderData() {
			e.bank.SetEncoderData(v)
			e.emitter.Emit(types.AddressEncoderData, true)
		}
		return
	}

	if !EncoderGated(mode, e.acquisition) {
		return
	}
	e.bank.SetEncoderData(TransformEncoder(e.counter.ReadCounter()))
	e.emitter.Emit(types.AddressEncoderData, true)
}

func (e *Engine) sampleInputs() {
	state := PackLines(e.inputs.ReadLine, types.DigitalInputLines)
	e.bank.SetDigitalInputs(state)
	e.bank.SetAuxInputs(uint8(PackLines(e.inputs.ReadAuxLine, types.AuxInputLines)))

	// Emitted on every gated tick, changed or not.
	e.emitter.Emit(types.AddressDigitalInPort, true)

	if e.display != nil && e.display.VisualEnabled() {
		e.display.ShowInputs(state)
	}
}

// EncoderGated reports whether a fixed-rate encoder mode samples on tick n.
func EncoderGated(mode types.EncoderMode, n uint16) bool {
	switch mode {
	case types.Encoder1000Hz:
		return n&1 == 0
	case types.Encoder500Hz:
		return n&3 == 0
	case types.Encoder250Hz:
		return n&7 == 0
	}
	return false
}

// InputsGated reports whether the digital inputs are sampled on tick n.
func InputsGated(mode types.InputSamplingMode, n uint16) bool {
	switch mode {
	case types.InputSampling2000Hz:
		return true
	case types.InputSampling1000Hz:
		return n&1 == 0
	}
	return false
}

// TransformEncoder centers the raw 16-bit counter around 32768.
func TransformEncoder(raw uint16) int16 {
	if raw > 32768 {
		return int16(0xFFFF - raw)
	}
	return int16(-(32768 - int32(raw)))
}

// PackLines packs n lines into a word, bit i holding line i.
func PackLines(read func(int) bool, n int) uint16 {
	var v uint16
	for i := 0; i < n; i++ {
		if read(i) {
			v |= 1 << uint(i)
		}
	}
	return v
}
