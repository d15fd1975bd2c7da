package device

import (
	"testing"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/hardware"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type deviceEnv struct {
	sim        *hardware.Simulator
	dispatcher *events.Dispatcher
	device     *Device
	events     []events.Event
	slept      time.Duration
}

func newDeviceEnv(t *testing.T, opts Options) *deviceEnv {
	env := &deviceEnv{
		sim:        hardware.NewSimulator(),
		dispatcher: events.NewDispatcher(64, zap.NewNop()),
	}
	env.dispatcher.AddSink(events.SinkFunc(func(ev events.Event) {
		env.events = append(env.events, ev)
	}))
	opts.Sleep = func(d time.Duration) { env.slept += d }
	env.device = New(env.sim, env.dispatcher, opts, zap.NewNop())
	return env
}

func (e *deviceEnv) drain() []events.Event {
	e.events = nil
	e.dispatcher.Drain()
	return e.events
}

func TestInitializeResetsEdgeMasks(t *testing.T) {
	env := newDeviceEnv(t, Options{StrictHardwareCheck: true})
	require.NoError(t, env.device.Initialize())
	require.Equal(t, StateRunning, env.device.State())

	values := env.device.Snapshot()
	require.Equal(t, uint16(0x03FF), values.DigitalInRisingEdge)
	require.Equal(t, uint16(0x03FF), values.DigitalInFallingEdge)
	require.Equal(t, uint8(0x03), values.AuxInRisingEdge)
	require.Equal(t, uint8(0x03), values.AuxInFallingEdge)

	require.True(t, env.sim.LED(hardware.LEDPower), "power LED on after startup")
	require.Positive(t, env.slept)
}

func TestResetRegistersAppliesDefaults(t *testing.T) {
	env := newDeviceEnv(t, Options{Defaults: Defaults{
		InputSampling:   types.InputSampling1000Hz,
		EncoderSampling: types.EncoderOnMovement,
	}})
	require.NoError(t, env.device.Initialize())

	require.NoError(t, env.device.Write(types.AddressDigitalInPortEnableRisingEdge, types.PayloadU16, []byte{0x01, 0x00}, 1))
	env.device.ResetRegisters()

	values := env.device.Snapshot()
	require.Equal(t, types.DigitalInputMask, values.DigitalInRisingEdge)
	require.Equal(t, types.InputSampling1000Hz, values.InputSampling)
	require.Equal(t, types.EncoderOnMovement, values.EncoderSampling)
}

func TestInvalidDefaultIsIgnored(t *testing.T) {
	env := newDeviceEnv(t, Options{Defaults: Defaults{EncoderSampling: types.EncoderMode(9)}})
	require.NoError(t, env.device.Initialize())
	require.Equal(t, types.EncoderDisabled, env.device.Snapshot().EncoderSampling)
}

func TestReinitializationReplaysWithoutChanges(t *testing.T) {
	env := newDeviceEnv(t, Options{Defaults: Defaults{InputSampling: types.InputSampling1000Hz}})
	require.NoError(t, env.device.Initialize())

	_, _, appliedBefore := env.sim.Applied()
	before := env.device.Snapshot()

	env.device.RegistersReinitialized()

	require.Equal(t, before, env.device.Snapshot())
	mode, board, applied := env.sim.Applied()
	require.Equal(t, types.InputSampling1000Hz, mode)
	require.Equal(t, types.ExpansionBreakout, board)
	require.Equal(t, appliedBefore+2, applied)
}

func TestStrictHardwareMismatchHalts(t *testing.T) {
	env := newDeviceEnv(t, Options{StrictHardwareCheck: true, Defaults: Defaults{InputSampling: types.InputSampling2000Hz}})
	env.sim.SetIdentity(false)

	require.ErrorIs(t, env.device.Initialize(), types.ErrHardwareMismatch)
	require.Equal(t, StateFault, env.device.State())

	env.device.Tick()
	require.Empty(t, env.drain(), "no sampling after a fatal mismatch")

	_, err := env.device.Read(types.AddressInputSampling, types.PayloadU8)
	require.ErrorIs(t, err, types.ErrDeviceFaulted)
	require.ErrorIs(t, env.device.Write(types.AddressInputSampling, types.PayloadU8, []byte{1}, 1), types.ErrDeviceFaulted)

	// No recovery path.
	env.sim.SetIdentity(true)
	require.ErrorIs(t, env.device.Initialize(), types.ErrDeviceFaulted)
	require.Equal(t, StateFault, env.device.State())
}

func TestPermissiveHardwareMismatchBlinks(t *testing.T) {
	env := newDeviceEnv(t, Options{StrictHardwareCheck: false})
	env.sim.SetIdentity(false)

	require.NoError(t, env.device.Initialize())
	require.Equal(t, StateRunning, env.device.State())
	require.Equal(t, warningBlinks, env.sim.Toggles(hardware.LED0))
	require.GreaterOrEqual(t, env.slept, warningBlinks*warningInterval)
}

func TestTickBeforeInitializeDoesNothing(t *testing.T) {
	env := newDeviceEnv(t, Options{})
	env.device.Tick()
	require.Empty(t, env.drain())
}

func TestTickEmitsEvents(t *testing.T) {
	env := newDeviceEnv(t, Options{Defaults: Defaults{
		InputSampling:   types.InputSampling2000Hz,
		EncoderSampling: types.Encoder1000Hz,
	}})
	require.NoError(t, env.device.Initialize())
	env.sim.SetDigitalLine(0, true)
	env.sim.SetDigitalLine(9, true)
	env.sim.SetCounter(40000)

	env.device.Tick()
	env.device.Tick()

	evs := env.drain()
	// tick 1: inputs, tick 2: encoder + inputs
	require.Len(t, evs, 3)
	require.Equal(t, types.AddressDigitalInPort, evs[0].Address)
	require.Equal(t, []byte{0x01, 0x02, 0x01, 0x02}, evs[0].Payload)
	require.Equal(t, types.AddressEncoderData, evs[1].Address)
	require.Equal(t, types.PayloadS16, evs[1].Type)

	values, err := registers.DecodeValues(types.PayloadS16, evs[1].Payload)
	require.NoError(t, err)
	require.Equal(t, []float64{25535}, values)
}

func TestVisualization(t *testing.T) {
	env := newDeviceEnv(t, Options{VisualEnabled: true, Defaults: Defaults{InputSampling: types.InputSampling2000Hz}})
	require.NoError(t, env.device.Initialize())

	env.sim.SetDigital(types.DI1 | types.DI9)
	env.device.Tick()
	require.Equal(t, uint8(types.DI1), env.sim.Port())
	require.True(t, env.sim.LED(hardware.LED9))
	require.False(t, env.sim.LED(hardware.LED8))

	env.device.SetVisualEnabled(false)
	require.False(t, env.sim.LED(hardware.LED9))
	require.False(t, env.sim.LED(hardware.LEDPower))

	env.sim.SetDigital(types.DI8)
	env.device.Tick()
	require.False(t, env.sim.LED(hardware.LED8), "indicators untouched while visual is off")

	env.device.SetVisualEnabled(true)
	require.True(t, env.sim.LED(hardware.LED8))
	require.True(t, env.sim.LED(hardware.LEDPower))
}

func TestWriteInputSamplingReconfiguresHardware(t *testing.T) {
	env := newDeviceEnv(t, Options{})
	require.NoError(t, env.device.Initialize())

	require.NoError(t, env.device.Write(types.AddressInputSampling, types.PayloadU8, []byte{2}, 1))
	mode, _, _ := env.sim.Applied()
	require.Equal(t, types.InputSampling1000Hz, mode)

	err := env.device.Write(types.AddressInputSampling, types.PayloadU8, []byte{4}, 1)
	require.ErrorIs(t, err, types.ErrInvalidValue)
	mode, _, _ = env.sim.Applied()
	require.Equal(t, types.InputSampling1000Hz, mode)
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	require.NoError(t, ValidateTransition(StateInitializing, StateFault))
	require.NoError(t, ValidateTransition(StateRunning, StateInitializing))
	require.Error(t, ValidateTransition(StateFault, StateInitializing))
	require.Error(t, ValidateTransition(StateFault, StateRunning))
	require.Error(t, ValidateTransition(State(42), StateRunning))
}

func TestInfo(t *testing.T) {
	env := newDeviceEnv(t, Options{})
	info := env.device.Info()
	require.Equal(t, uint16(1106), info.WhoAmI)
	require.Equal(t, "1.2", info.HardwareVersion)
	require.Equal(t, "2.2", info.FirmwareVersion)
	require.Equal(t, "INITIALIZING", info.State)
	require.NotEmpty(t, info.SessionID)
}
