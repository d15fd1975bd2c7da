package types

// Device identity reported by the expander
const (
	WhoAmI            uint16 = 1106
	HardwareVersionH  uint8  = 1
	HardwareVersionL  uint8  = 2
	FirmwareVersionH  uint8  = 2
	FirmwareVersionL  uint8  = 2
	AssemblyVersion   uint8  = 0
	DefaultDeviceName        = "InputExpander"
)

// Application register addresses
const (
	AddressMin uint8 = 32

	AddressAuxInPort                      uint8 = 32
	AddressAuxInEnableRisingEdge          uint8 = 33
	AddressAuxInEnableFallingEdge         uint8 = 34
	AddressDigitalInPort                  uint8 = 35
	AddressDigitalInPortEnableRisingEdge  uint8 = 36
	AddressDigitalInPortEnableFallingEdge uint8 = 37
	AddressInputSampling                  uint8 = 38
	AddressEncoderSampling                uint8 = 39
	AddressEncoderData                    uint8 = 40
	AddressExpansionBoard                 uint8 = 41

	AddressMax uint8 = 41
)

// RegisterCount is the number of application registers.
const RegisterCount = int(AddressMax-AddressMin) + 1

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

// RegisterDefinition is the immutable metadata of one register.
type RegisterDefinition struct {
	Name        string      `json:"name" yaml:"name"`
	Address     uint8       `json:"address" yaml:"address"`
	Type        PayloadType `json:"type" yaml:"type"`
	Elements    int         `json:"elements" yaml:"elements"`
	Access      AccessType  `json:"access" yaml:"access"`
	Description string      `json:"description" yaml:"description"`
}

// Size returns the payload size in bytes.
func (d RegisterDefinition) Size() int {
	return d.Type.Size() * d.Elements
}

// Registers lists the register map in address order.
var Registers = [RegisterCount]RegisterDefinition{
	{Name: "AuxInPort", Address: AddressAuxInPort, Type: PayloadU8, Elements: 1, Access: AccessTypeReadOnly,
		Description: "Reports the state of the auxiliary inputs"},
	{Name: "AuxInEnableRisingEdge", Address: AddressAuxInEnableRisingEdge, Type: PayloadU8, Elements: 1, Access: AccessTypeReadWrite,
		Description: "Enables rising edge detection on the auxiliary inputs"},
	{Name: "AuxInEnableFallingEdge", Address: AddressAuxInEnableFallingEdge, Type: PayloadU8, Elements: 1, Access: AccessTypeReadWrite,
		Description: "Enables falling edge detection on the auxiliary inputs"},
	{Name: "DigitalInPort", Address: AddressDigitalInPort, Type: PayloadU16, Elements: 2, Access: AccessTypeReadOnly,
		Description: "Reports the state of the digital inputs and which lines changed"},
	{Name: "DigitalInPortEnableRisingEdge", Address: AddressDigitalInPortEnableRisingEdge, Type: PayloadU16, Elements: 1, Access: AccessTypeReadWrite,
		Description: "Enables rising edge detection on the digital inputs"},
	{Name: "DigitalInPortEnableFallingEdge", Address: AddressDigitalInPortEnableFallingEdge, Type: PayloadU16, Elements: 1, Access: AccessTypeReadWrite,
		Description: "Enables falling edge detection on the digital inputs"},
	{Name: "InputSampling", Address: AddressInputSampling, Type: PayloadU8, Elements: 1, Access: AccessTypeReadWrite,
		Description: "Sampling mode of the digital inputs"},
	{Name: "EncoderSampling", Address: AddressEncoderSampling, Type: PayloadU8, Elements: 1, Access: AccessTypeReadWrite,
		Description: "Sampling mode of the rotary encoder"},
	{Name: "EncoderData", Address: AddressEncoderData, Type: PayloadS16, Elements: 1, Access: AccessTypeReadOnly,
		Description: "Centered encoder counter value"},
	{Name: "ExpansionBoard", Address: AddressExpansionBoard, Type: PayloadU8, Elements: 1, Access: AccessTypeReadWrite,
		Description: "Expansion board attached to the device"},
}

// LookupRegister returns the definition for address, if any.
func LookupRegister(address uint8) (RegisterDefinition, bool) {
	if address < AddressMin || address > AddressMax {
		return RegisterDefinition{}, false
	}
	return Registers[address-AddressMin], true
}

// LookupRegisterByName finds a register by its name.
func LookupRegisterByName(name string) (RegisterDefinition, bool) {
	for _, def := range Registers {
		if def.Name == name {
			return def, true
		}
	}
	return RegisterDefinition{}, false
}

// Digital input lines
const (
	DI0 uint16 = 1 << iota
	DI1
	DI2
	DI3
	DI4
	DI5
	DI6
	DI7
	DI8
	DI9

	DigitalInputMask uint16 = 0x03FF
)

// DigitalInputLines is the number of primary input lines.
const DigitalInputLines = 10

// Auxiliary input lines and their changed flags
const (
	Aux0        uint8 = 0x01
	Aux1        uint8 = 0x02
	Aux0Changed uint8 = 0x20
	Aux1Changed uint8 = 0x40

	AuxInputMask uint8 = Aux0 | Aux1
)

// AuxInputLines is the number of auxiliary input lines.
const AuxInputLines = 2

type InputSamplingMode uint8

const (
	InputSamplingOff     InputSamplingMode = 0
	InputSampling2000Hz  InputSamplingMode = 1
	InputSampling1000Hz  InputSamplingMode = 2
	InputSampling500Hz   InputSamplingMode = 3 // reserved
	InputSampling250Hz   InputSamplingMode = 4 // reserved
)

// Supported reports whether the mode is accepted by the register.
func (m InputSamplingMode) Supported() bool {
	return m <= InputSampling1000Hz
}

func (m InputSamplingMode) String() string {
	switch m {
	case InputSamplingOff:
		return "off"
	case InputSampling2000Hz:
		return "2000Hz"
	case InputSampling1000Hz:
		return "1000Hz"
	case InputSampling500Hz:
		return "500Hz"
	case InputSampling250Hz:
		return "250Hz"
	default:
		return "unknown"
	}
}

type EncoderMode uint8

const (
	EncoderDisabled   EncoderMode = 0
	Encoder250Hz      EncoderMode = 1
	Encoder500Hz      EncoderMode = 2
	Encoder1000Hz     EncoderMode = 3
	EncoderOnMovement EncoderMode = 4

	// EncoderModeMask selects the bits that enable encoder generation.
	EncoderModeMask uint8 = 0x07
)

func (m EncoderMode) Supported() bool {
	return m <= EncoderOnMovement
}

// Enabled reports whether the encoder generates data in this mode.
func (m EncoderMode) Enabled() bool {
	return uint8(m)&EncoderModeMask != 0
}

func (m EncoderMode) String() string {
	switch m {
	case EncoderDisabled:
		return "disabled"
	case Encoder250Hz:
		return "250Hz"
	case Encoder500Hz:
		return "500Hz"
	case Encoder1000Hz:
		return "1000Hz"
	case EncoderOnMovement:
		return "on_movement"
	default:
		return "unknown"
	}
}

type ExpansionBoard uint8

const (
	ExpansionBreakout ExpansionBoard = 0
)

func (b ExpansionBoard) Supported() bool {
	return b == ExpansionBreakout
}

func (b ExpansionBoard) String() string {
	if b == ExpansionBreakout {
		return "breakout"
	}
	return "unknown"
}

// Device Runtime Info
type DeviceInfo struct {
	WhoAmI          uint16 `json:"who_am_i"`
	Name            string `json:"name"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion string `json:"firmware_version"`
	Assembly        uint8  `json:"assembly"`
	SessionID       string `json:"session_id"`
	HostID          string `json:"host_id,omitempty"`
	State           string `json:"state"`
	VisualEnabled   bool   `json:"visual_enabled"`
}
