package registry

const (
	DefaultHostnameFlag = "-i"
	DefaultPortFlag     = "-p"
	ConfigFlag          = "-f"
)

// Procedure is a named, parameterized script invocation with the initial
// device configuration it is started with.
type Procedure struct {
	Name          string  `json:"name" yaml:"name" bson:"name" validate:"required"`
	Executable    string  `json:"executed_file" yaml:"executed_file" bson:"executed_file" validate:"required"`
	Options       Options `json:"options" yaml:"options" bson:"options"`
	InitialConfig string  `json:"initial_dut_config" yaml:"initial_dut_config" bson:"initial_dut_config"`
	HostnameFlag  string  `json:"hostname_flag,omitempty" yaml:"hostname_flag,omitempty" bson:"hostname_flag,omitempty"`
	PortFlag      string  `json:"port_flag,omitempty" yaml:"port_flag,omitempty" bson:"port_flag,omitempty"`
}

// Clone returns a deep copy; the options slice is not shared.
func (p Procedure) Clone() Procedure {
	p.Options = p.Options.clone()
	return p
}

func (p *Procedure) applyDefaults() {
	if p.HostnameFlag == "" {
		p.HostnameFlag = DefaultHostnameFlag
	}
	if p.PortFlag == "" {
		p.PortFlag = DefaultPortFlag
	}
}
