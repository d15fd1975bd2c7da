// Package registers holds the application register bank of the input
// expander and the per-address dispatch table that validates every access.
package registers

import (
	"fmt"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
)

// Values is the raw content of the register bank.
type Values struct {
	AuxInPort            uint8                   `json:"aux_in_port"`
	AuxInRisingEdge      uint8                   `json:"aux_in_rising_edge"`
	AuxInFallingEdge     uint8                   `json:"aux_in_falling_edge"`
	DigitalInPort        [2]uint16               `json:"digital_in_port"`
	DigitalInRisingEdge  uint16                  `json:"digital_in_rising_edge"`
	DigitalInFallingEdge uint16                  `json:"digital_in_falling_edge"`
	InputSampling        types.InputSamplingMode `json:"input_sampling"`
	EncoderSampling      types.EncoderMode       `json:"encoder_sampling"`
	EncoderData          int16                   `json:"encoder_data"`
	ExpansionBoard       types.ExpansionBoard    `json:"expansion_board"`
}

// EdgeConfig holds the edge-enable masks of the primary and auxiliary inputs.
type EdgeConfig struct {
	DigitalRising  uint16
	DigitalFalling uint16
	AuxRising      uint8
	AuxFalling     uint8
}

// Hooks are invoked after a write commits a value that other parts of the
// device derive state from.
type Hooks struct {
	InputSamplingChanged  func(types.InputSamplingMode)
	ExpansionBoardChanged func(types.ExpansionBoard)
}

type (
	readFunc  func(b *Bank) []byte
	writeFunc func(b *Bank, payload []byte) error
)

type handler struct {
	read  readFunc
	write writeFunc
}

// Bank is the register bank. It is not safe for concurrent use; the owner
// serializes every call.
type Bank struct {
	values   Values
	hooks    Hooks
	handlers [types.RegisterCount]handler
}

func NewBank(hooks Hooks) *Bank {
	b := &Bank{hooks: hooks}

	b.handlers = [types.RegisterCount]handler{
		{readAuxInPort, writeReadOnly},
		{readAuxInRisingEdge, writeAuxInRisingEdge},
		{readAuxInFallingEdge, writeAuxInFallingEdge},
		{readDigitalInPort, writeReadOnly},
		{readDigitalInRisingEdge, writeDigitalInRisingEdge},
		{readDigitalInFallingEdge, writeDigitalInFallingEdge},
		{readInputSampling, writeInputSampling},
		{readEncoderSampling, writeEncoderSampling},
		{readEncoderData, writeReadOnly},
		{readExpansionBoard, writeExpansionBoard},
	}

	return b
}

// Read validates address and type and returns the current payload.
func (b *Bank) Read(address uint8, t types.PayloadType) ([]byte, error) {
	def, err := lookup(address)
	if err != nil {
		return nil, err
	}

	if def.Type != t {
		return nil, types.Rejected(address, types.ErrTypeMismatch)
	}

	return b.handlers[address-types.AddressMin].read(b), nil
}

// Write validates address, type and element count, then hands the payload to
// the register's write handler. A rejected write leaves the bank unchanged.
func (b *Bank) Write(address uint8, t types.PayloadType, payload []byte, elements int) error {
	def, err := lookup(address)
	if err != nil {
		return err
	}

	if def.Type != t {
		return types.Rejected(address, types.ErrTypeMismatch)
	}

	if def.Elements != elements || len(payload) != def.Size() {
		return types.Rejected(address, types.ErrElementCountMismatch)
	}

	if err := b.handlers[address-types.AddressMin].write(b, payload); err != nil {
		return types.Rejected(address, err)
	}

	return nil
}

// Payload returns the current payload of address without type checks. It
// is used to build events.
func (b *Bank) Payload(address uint8) (types.PayloadType, []byte, error) {
	def, err := lookup(address)
	if err != nil {
		return 0, nil, err
	}
	return def.Type, b.handlers[address-types.AddressMin].read(b), nil
}

// Replay re-applies the stored value of address through its write handler.
func (b *Bank) Replay(address uint8) error {
	def, err := lookup(address)
	if err != nil {
		return err
	}
	if def.Access != types.AccessTypeReadWrite {
		return types.Rejected(address, types.ErrReadOnly)
	}

	h := b.handlers[address-types.AddressMin]
	if err := h.write(b, h.read(b)); err != nil {
		return types.Rejected(address, err)
	}
	return nil
}

// Reset zeroes every register.
func (b *Bank) Reset() {
	b.values = Values{}
}

// Snapshot returns a copy of the register values.
func (b *Bank) Snapshot() Values {
	return b.values
}

func (b *Bank) InputSampling() types.InputSamplingMode {
	return b.values.InputSampling
}

func (b *Bank) EncoderSampling() types.EncoderMode {
	return b.values.EncoderSampling
}

func (b *Bank) ExpansionBoard() types.ExpansionBoard {
	return b.values.ExpansionBoard
}

func (b *Bank) EncoderData() int16 {
	return b.values.EncoderData
}

func (b *Bank) SetEncoderData(v int16) {
	b.values.EncoderData = v
}

// DigitalInputs returns the packed line state and the lines that changed on
// the last sample.
func (b *Bank) DigitalInputs() (state, changed uint16) {
	return b.values.DigitalInPort[0], b.values.DigitalInPort[1]
}

// SetDigitalInputs stores a new packed sample and records which lines
// differ from the previous one.
func (b *Bank) SetDigitalInputs(state uint16) {
	state &= types.DigitalInputMask
	prev := b.values.DigitalInPort[0]
	b.values.DigitalInPort = [2]uint16{state, prev ^ state}
}

// AuxInputs returns the auxiliary port register.
func (b *Bank) AuxInputs() uint8 {
	return b.values.AuxInPort
}

// SetAuxInputs stores the auxiliary line state together with changed flags.
func (b *Bank) SetAuxInputs(state uint8) {
	state &= types.AuxInputMask
	prev := b.values.AuxInPort & types.AuxInputMask
	diff := prev ^ state

	v := state
	if diff&types.Aux0 != 0 {
		v |= types.Aux0Changed
	}
	if diff&types.Aux1 != 0 {
		v |= types.Aux1Changed
	}
	b.values.AuxInPort = v
}

func (b *Bank) EdgeConfig() EdgeConfig {
	return EdgeConfig{
		DigitalRising:  b.values.DigitalInRisingEdge,
		DigitalFalling: b.values.DigitalInFallingEdge,
		AuxRising:      b.values.AuxInRisingEdge,
		AuxFalling:     b.values.AuxInFallingEdge,
	}
}

func (b *Bank) SetEdgeConfig(cfg EdgeConfig) {
	b.values.DigitalInRisingEdge = cfg.DigitalRising & types.DigitalInputMask
	b.values.DigitalInFallingEdge = cfg.DigitalFalling & types.DigitalInputMask
	b.values.AuxInRisingEdge = cfg.AuxRising & types.AuxInputMask
	b.values.AuxInFallingEdge = cfg.AuxFalling & types.AuxInputMask
}

func lookup(address uint8) (types.RegisterDefinition, error) {
	def, ok := types.LookupRegister(address)
	if !ok {
		return def, types.Rejected(address, types.ErrAddressOutOfRange)
	}
	return def, nil
}

// Read handlers

func readAuxInPort(b *Bank) []byte        { return encodeU8(b.values.AuxInPort) }
func readAuxInRisingEdge(b *Bank) []byte  { return encodeU8(b.values.AuxInRisingEdge) }
func readAuxInFallingEdge(b *Bank) []byte { return encodeU8(b.values.AuxInFallingEdge) }
func readDigitalInPort(b *Bank) []byte    { return encodeU16(b.values.DigitalInPort[:]...) }

func readDigitalInRisingEdge(b *Bank) []byte  { return encodeU16(b.values.DigitalInRisingEdge) }
func readDigitalInFallingEdge(b *Bank) []byte { return encodeU16(b.values.DigitalInFallingEdge) }
func readInputSampling(b *Bank) []byte        { return encodeU8(uint8(b.values.InputSampling)) }
func readEncoderSampling(b *Bank) []byte      { return encodeU8(uint8(b.values.EncoderSampling)) }
func readEncoderData(b *Bank) []byte          { return encodeS16(b.values.EncoderData) }
func readExpansionBoard(b *Bank) []byte       { return encodeU8(uint8(b.values.ExpansionBoard)) }

// Write handlers

func writeReadOnly(b *Bank, payload []byte) error {
	return types.ErrReadOnly
}

func writeAuxInRisingEdge(b *Bank, payload []byte) error {
	v := decodeU8(payload)
	if v&^types.AuxInputMask != 0 {
		return fmt.Errorf("%w: aux rising edge mask 0x%02X", types.ErrInvalidValue, v)
	}
	b.values.AuxInRisingEdge = v
	return nil
}

func writeAuxInFallingEdge(b *Bank, payload []byte) error {
	v := decodeU8(payload)
	if v&^types.AuxInputMask != 0 {
		return fmt.Errorf("%w: aux falling edge mask 0x%02X", types.ErrInvalidValue, v)
	}
	b.values.AuxInFallingEdge = v
	return nil
}

func writeDigitalInRisingEdge(b *Bank, payload []byte) error {
	v := decodeU16(payload)
	if v&^types.DigitalInputMask != 0 {
		return fmt.Errorf("%w: rising edge mask 0x%04X", types.ErrInvalidValue, v)
	}
	b.values.DigitalInRisingEdge = v
	return nil
}

func writeDigitalInFallingEdge(b *Bank, payload []byte) error {
	v := decodeU16(payload)
	if v&^types.DigitalInputMask != 0 {
		return fmt.Errorf("%w: falling edge mask 0x%04X", types.ErrInvalidValue, v)
	}
	b.values.DigitalInFallingEdge = v
	return nil
}

func writeInputSampling(b *Bank, payload []byte) error {
	mode := types.InputSamplingMode(decodeU8(payload))
	if !mode.Supported() {
		return fmt.Errorf("%w: input sampling mode %d", types.ErrInvalidValue, mode)
	}

	b.values.InputSampling = mode
	if b.hooks.InputSamplingChanged != nil {
		b.hooks.InputSamplingChanged(mode)
	}
	return nil
}

func writeEncoderSampling(b *Bank, payload []byte) error {
	mode := types.EncoderMode(decodeU8(payload))
	if !mode.Supported() {
		return fmt.Errorf("%w: encoder mode %d", types.ErrInvalidValue, mode)
	}
	b.values.EncoderSampling = mode
	return nil
}

func writeExpansionBoard(b *Bank, payload []byte) error {
	board := types.ExpansionBoard(decodeU8(payload))
	if !board.Supported() {
		return fmt.Errorf("%w: expansion board %d", types.ErrInvalidValue, board)
	}

	b.values.ExpansionBoard = board
	if b.hooks.ExpansionBoardChanged != nil {
		b.hooks.ExpansionBoardChanged(board)
	}
	return nil
}
