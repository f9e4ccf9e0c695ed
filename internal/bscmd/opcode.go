// Package bscmd implements the controller's command-block protocol: opcode
// definitions, the Transport capability the bus layer provides, and the
// Sender that serializes command blocks onto it.
package bscmd

import "fmt"

// Opcode is a 16-bit controller command code.
type Opcode uint16

// Controller command list.
const (
	InitCmdSet  Opcode = 0x0000
	InitPLLStby Opcode = 0x0001
	RunSys      Opcode = 0x0002
	Stby        Opcode = 0x0004
	Slp         Opcode = 0x0005
	InitSysRun  Opcode = 0x0006
	InitSysStby Opcode = 0x0007
	InitSDRAM   Opcode = 0x0008
	InitDspeCfg Opcode = 0x0009
	InitDspeTmg Opcode = 0x000A
	InitRotMode Opcode = 0x000B

	RdReg Opcode = 0x0010
	WrReg Opcode = 0x0011

	RdSFM  Opcode = 0x0012
	WrSFM  Opcode = 0x0013
	EndSFM Opcode = 0x0014

	BstRdSdr  Opcode = 0x001C
	BstWrSdr  Opcode = 0x001D
	BstEndSdr Opcode = 0x001E

	LdImg        Opcode = 0x0020
	LdImgArea    Opcode = 0x0022
	LdImgEnd     Opcode = 0x0023
	LdImgWait    Opcode = 0x0024
	LdImgSetAdr  Opcode = 0x0025
	LdImgDspeAdr Opcode = 0x0026

	WaitDspeTrg      Opcode = 0x0028
	WaitDspeFrend    Opcode = 0x0029
	WaitDspeLUTFree  Opcode = 0x002A
	WaitDspeMLUTFree Opcode = 0x002B

	RdWfmInfo Opcode = 0x0030

	UpdInit      Opcode = 0x0032
	UpdFull      Opcode = 0x0033
	UpdFullArea  Opcode = 0x0034
	UpdPart      Opcode = 0x0035
	UpdPartArea  Opcode = 0x0036
	UpdGdrvClr   Opcode = 0x0037
	UpdSetImgAdr Opcode = 0x0038
)

// Category groups opcodes by the part of the controller they address.
type Category uint8

const (
	CategoryInvalid Category = iota
	CategorySystem
	CategoryRegister
	CategorySFM
	CategoryBurst
	CategoryImage
	CategoryPolling
	CategoryWaveform
	CategoryUpdate
)

func (c Category) String() string {
	switch c {
	case CategorySystem:
		return "system"
	case CategoryRegister:
		return "register"
	case CategorySFM:
		return "sfm"
	case CategoryBurst:
		return "burst"
	case CategoryImage:
		return "image"
	case CategoryPolling:
		return "polling"
	case CategoryWaveform:
		return "waveform"
	case CategoryUpdate:
		return "update"
	default:
		return "invalid"
	}
}

// Category returns the opcode's category, or CategoryInvalid for codes the
// controller does not implement.
func (op Opcode) Category() Category {
	switch op {
	case InitCmdSet, InitPLLStby, RunSys, Stby, Slp, InitSysRun, InitSysStby,
		InitSDRAM, InitDspeCfg, InitDspeTmg, InitRotMode:
		return CategorySystem
	case RdReg, WrReg:
		return CategoryRegister
	case RdSFM, WrSFM, EndSFM:
		return CategorySFM
	case BstRdSdr, BstWrSdr, BstEndSdr:
		return CategoryBurst
	case LdImg, LdImgArea, LdImgEnd, LdImgWait, LdImgSetAdr, LdImgDspeAdr:
		return CategoryImage
	case WaitDspeTrg, WaitDspeFrend, WaitDspeLUTFree, WaitDspeMLUTFree:
		return CategoryPolling
	case RdWfmInfo:
		return CategoryWaveform
	case UpdInit, UpdFull, UpdFullArea, UpdPart, UpdPartArea, UpdGdrvClr, UpdSetImgAdr:
		return CategoryUpdate
	default:
		return CategoryInvalid
	}
}

// Polls reports whether the controller must be polled for HRDY right after
// the opcode word is written. Only commands that change the controller's
// system state or kick off long internal work need it.
func (op Opcode) Polls() bool {
	switch op {
	case InitCmdSet, InitPLLStby, RunSys, Stby, Slp, InitSysRun, InitSysStby,
		InitSDRAM, InitDspeCfg, InitDspeTmg, RdWfmInfo, UpdInit, UpdGdrvClr:
		return true
	}
	return false
}

// MaxArgs returns how many argument words the opcode takes.
func (op Opcode) MaxArgs() int {
	switch op {
	case InitCmdSet:
		return 3
	case InitPLLStby:
		return 3
	case InitDspeCfg, InitDspeTmg:
		return 5
	case InitRotMode:
		return 1
	case RdReg:
		return 1
	case WrReg:
		return 2
	case BstRdSdr, BstWrSdr:
		return 4
	case LdImg:
		return 1
	case LdImgArea:
		return 5
	case LdImgSetAdr:
		return 2
	case RdWfmInfo:
		return 2
	case UpdInit:
		return 0
	case UpdFull, UpdPart:
		return 1
	case UpdFullArea, UpdPartArea:
		return 5
	case UpdSetImgAdr:
		return 2
	}
	return 0
}

var opcodeNames = map[Opcode]string{
	InitCmdSet: "INIT_CMD_SET", InitPLLStby: "INIT_PLL_STBY", RunSys: "RUN_SYS",
	Stby: "STBY", Slp: "SLP", InitSysRun: "INIT_SYS_RUN", InitSysStby: "INIT_SYS_STBY",
	InitSDRAM: "INIT_SDRAM", InitDspeCfg: "INIT_DSPE_CFG", InitDspeTmg: "INIT_DSPE_TMG",
	InitRotMode: "INIT_ROTMODE", RdReg: "RD_REG", WrReg: "WR_REG", RdSFM: "RD_SFM",
	WrSFM: "WR_SFM", EndSFM: "END_SFM", BstRdSdr: "BST_RD_SDR", BstWrSdr: "BST_WR_SDR",
	BstEndSdr: "BST_END_SDR", LdImg: "LD_IMG", LdImgArea: "LD_IMG_AREA", LdImgEnd: "LD_IMG_END",
	LdImgWait: "LD_IMG_WAIT", LdImgSetAdr: "LD_IMG_SETADR", LdImgDspeAdr: "LD_IMG_DSPEADR",
	WaitDspeTrg: "WAIT_DSPE_TRG", WaitDspeFrend: "WAIT_DSPE_FREND",
	WaitDspeLUTFree: "WAIT_DSPE_LUTFREE", WaitDspeMLUTFree: "WAIT_DSPE_MLUTFREE",
	RdWfmInfo: "RD_WFM_INFO", UpdInit: "UPD_INIT", UpdFull: "UPD_FULL",
	UpdFullArea: "UPD_FULL_AREA", UpdPart: "UPD_PART", UpdPartArea: "UPD_PART_AREA",
	UpdGdrvClr: "UPD_GDRV_CLR", UpdSetImgAdr: "UPD_SET_IMGADR",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("CMD(0x%04X)", uint16(op))
}
