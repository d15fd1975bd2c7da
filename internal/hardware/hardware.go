// Package hardware describes the pins, counter and indicators the input
// expander core talks to. Platform code supplies a Board; Simulator is the
// in-process implementation used by the server and the tests.
package hardware

import "github.com/KevinKickass/OpenInputExpander/internal/types"

// LED identifies one indicator on the front panel.
type LED int

const (
	LED0 LED = iota
	LED1
	LED2
	LED3
	LED4
	LED5
	LED6
	LED7
	LED8
	LED9
	LEDPower
	LEDState

	ledCount
)

func (l LED) String() string {
	switch {
	case l >= LED0 && l <= LED9:
		return "led" + string(rune('0'+int(l)))
	case l == LEDPower:
		return "power"
	case l == LEDState:
		return "state"
	default:
		return "unknown"
	}
}

// ChaseOrder is the order the startup sequence lights the indicators in.
var ChaseOrder = []LED{LED0, LED1, LED2, LED3, LED4, LEDPower, LED5, LED6, LED7, LED8, LED9, LEDState}

// Inputs samples the input lines. Reads must not block.
type Inputs interface {
	// ReadLine reports whether primary input line i is asserted.
	ReadLine(i int) bool
	// ReadAuxLine reports whether auxiliary input line i is asserted.
	ReadAuxLine(i int) bool
}

// Counter exposes the free-running quadrature counter of the encoder.
type Counter interface {
	ReadCounter() uint16
}

// Indicators drives the LEDs and the mirror output port.
type Indicators interface {
	SetLED(led LED, on bool)
	ToggleLED(led LED)
	SetPort(value uint8)
}

// Configurator receives register values that imply a hardware setup.
type Configurator interface {
	ApplyInputMode(mode types.InputSamplingMode)
	ApplyExpansion(board types.ExpansionBoard)
}

// Identity reports whether the board is really an input expander.
type Identity interface {
	IsInputExpander() bool
}

// Board is everything the device needs from the platform.
type Board interface {
	Inputs
	Counter
	Indicators
	Configurator
	Identity
}
