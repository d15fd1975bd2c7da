package hardware

import (
	"sync"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
)

// Simulator is a Board backed by memory. Tests and the server drive its
// lines and counter directly.
type Simulator struct {
	mu sync.Mutex

	digital  uint16
	aux      uint8
	counter  uint16
	identity bool

	leds    [ledCount]bool
	toggles [ledCount]int
	port    uint8

	inputMode types.InputSamplingMode
	expansion types.ExpansionBoard
	applied   int
}

// NewSimulator returns a simulator that identifies as an input expander
// with the encoder counter parked at its zero crossing.
func NewSimulator() *Simulator {
	return &Simulator{
		identity: true,
		counter:  32768,
	}
}

func (s *Simulator) ReadLine(i int) bool {
	if i < 0 || i >= types.DigitalInputLines {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digital&(1<<uint(i)) != 0
}

func (s *Simulator) ReadAuxLine(i int) bool {
	if i < 0 || i >= types.AuxInputLines {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aux&(1<<uint(i)) != 0
}

func (s *Simulator) ReadCounter() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

func (s *Simulator) IsInputExpander() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Simulator) SetLED(led LED, on bool) {
	if led < 0 || led >= ledCount {
		return
	}
	s.mu.Lock()
	s.leds[led] = on
	s.mu.Unlock()
}

func (s *Simulator) ToggleLED(led LED) {
	if led < 0 || led >= ledCount {
		return
	}
	s.mu.Lock()
	s.leds[led] = !s.leds[led]
	s.toggles[led]++
	s.mu.Unlock()
}

func (s *Simulator) SetPort(value uint8) {
	s.mu.Lock()
	s.port = value
	s.mu.Unlock()
}

func (s *Simulator) ApplyInputMode(mode types.InputSamplingMode) {
	s.mu.Lock()
	s.inputMode = mode
	s.applied++
	s.mu.Unlock()
}

func (s *Simulator) ApplyExpansion(board types.ExpansionBoard) {
	s.mu.Lock()
	s.expansion = board
	s.applied++
	s.mu.Unlock()
}

// SetDigitalLine drives primary line i high or low.
func (s *Simulator) SetDigitalLine(line int, high bool) {
	if line < 0 || line >= types.DigitalInputLines {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if high {
		s.digital |= 1 << uint(line)
	} else {
		s.digital &^= 1 << uint(line)
	}
}

// SetDigital drives every primary line at once.
func (s *Simulator) SetDigital(state uint16) {
	s.mu.Lock()
	s.digital = state & types.DigitalInputMask
	s.mu.Unlock()
}

func (s *Simulator) SetAux(state uint8) {
	s.mu.Lock()
	s.aux = state & types.AuxInputMask
	s.mu.Unlock()
}

func (s *Simulator) SetCounter(raw uint16) {
	s.mu.Lock()
	s.counter = raw
	s.mu.Unlock()
}

// Step moves the encoder counter by delta, wrapping like the hardware timer.
func (s *Simulator) Step(delta int) {
	s.mu.Lock()
	s.counter = uint16(int(s.counter) + delta)
	s.mu.Unlock()
}

// SetIdentity makes the board pass or fail the hardware check.
func (s *Simulator) SetIdentity(ok bool) {
	s.mu.Lock()
	s.identity = ok
	s.mu.Unlock()
}

func (s *Simulator) LED(led LED) bool {
	if led < 0 || led >= ledCount {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leds[led]
}

// Toggles returns how often led was toggled.
func (s *Simulator) Toggles(led LED) int {
	if led < 0 || led >= ledCount {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggles[led]
}

func (s *Simulator) Port() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Applied returns the last configuration pushed by the device and the
// number of Apply calls seen so far.
func (s *Simulator) Applied() (types.InputSamplingMode, types.ExpansionBoard, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputMode, s.expansion, s.applied
}
