package bscmd

// Controller register map (the subset the driver touches).
const (
	RegRevisionCode = 0x0000
	RegProductCode  = 0x0002
	RegIDBits       = 0x0004

	RegSFMReadData   = 0x0200
	RegSFMWriteData  = 0x0202
	RegSFMControl    = 0x0204
	RegSFMStatus     = 0x0206
	RegSFMChipSelect = 0x0208

	RegTempSense = 0x0216
	RegScratch   = 0x0304

	// RegHostMemPort is the host memory access port used for image loads
	// and SDRAM bursts.
	RegHostMemPort = 0x0154

	RegTemperature  = 0x0322
	RegAutoWaveform = 0x0330
)

// ProductCode is the value RegProductCode reads back on a healthy controller.
const ProductCode = 0x0047

// SFM register bits.
const (
	SFMControlEnable  = 0x0099
	SFMControlDisable = 0x0000
	SFMStatusBusy     = 1 << 3
	SFMWriteStrobe    = 0x0100
	SFMChipSelect     = 0x0001
)
