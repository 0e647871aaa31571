package pcie

// Offset is the byte offset of a register inside a RegisterWindow.
type Offset uint32

// AFI registers, shared by every root port of a controller.
const (
	AfiIntrMask          Offset = 0x00b4
	AfiPcieConfig        Offset = 0x00f8
	AfiSecondaryBusReset Offset = 0x00fc
	AfiFuse              Offset = 0x0104
	AfiPme               Offset = 0x0120
)

// AfiPexCtrl returns the offset of the per-port PEX control register.
func AfiPexCtrl(port int) Offset {
	switch port {
	case 0:
		return 0x0110
	case 1:
		return 0x0118
	default:
		return 0x0128 + Offset(port-2)*8
	}
}

// AFI_PEXn_CTRL bits.
const (
	PexCtrlRst        uint32 = 1 << 0
	PexCtrlClkReqEn   uint32 = 1 << 1
	PexCtrlRefClkEn   uint32 = 1 << 3
	PexCtrlOverrideEn uint32 = 1 << 4
)

// AFI_PCIE_CONFIG fields.
const (
	PcieConfigXbarShift = 20
	PcieConfigXbarMask  = uint32(0xf) << PcieConfigXbarShift
)

// PcieConfigPortDisable returns the disable bit of a port.
func PcieConfigPortDisable(port int) uint32 {
	return 1 << (1 + uint(port))
}

// AFI_FUSE bits.
const (
	FuseGen2Disable uint32 = 1 << 2
)

// AFI secondary bus reset register bits.
const (
	SecondaryBusResetHold uint32 = 1 << 0
)

// PmeTurnOff returns the PME_Turn_Off request bit of a port.
func PmeTurnOff(port int) uint32 {
	return 1 << uint(port)
}

// PmeAck returns the PME_TO_Ack status bit of a port.
func PmeAck(port int) uint32 {
	return 1 << (8 + uint(port))
}

// AfiIntrMaskInt and AfiIntrMaskMsi gate the controller interrupts.
const (
	AfiIntrMaskInt uint32 = 1 << 0
	AfiIntrMaskMsi uint32 = 1 << 8
)

// Root port registers.
const (
	RpLinkControlStatus  Offset = 0x0090
	RpLinkControlStatus2 Offset = 0x00b0
	RpL1PmSubstatesCtl   Offset = 0x0c00
	RpTimeout1           Offset = 0x0c08
	RpLtrIntr            Offset = 0x0c80
	RpPrivXpDl           Offset = 0x0c88
	RpRxHdrLimit         Offset = 0x0e00
	RpTxHdrLimit         Offset = 0x0e08
	RpVendXp             Offset = 0x0f00
	RpVendXp1            Offset = 0x0f04
	RpAerCtl             Offset = 0x0f40
	RpVendCtl1           Offset = 0x0f48
	RpVendXpBist         Offset = 0x0f4c
	RpVendXpPadPwrdn     Offset = 0x0f50
	RpVendCtl2           Offset = 0x0fa8
	RpPrivMisc           Offset = 0x0fe0
)

// VendXp is the value of RP_VEND_XP.
type VendXp uint32

// RP_VEND_XP bits.
const (
	VendXpOpportunisticAck      uint32 = 1 << 27
	VendXpOpportunisticUpdateFC uint32 = 1 << 28
	VendXpDLUp                  uint32 = 1 << 30

	VendXpUpdateFCThresholdShift = 18
	VendXpUpdateFCThresholdMask  = uint32(0xff) << VendXpUpdateFCThresholdShift
)

// DLUp reports whether the data link layer is up.
func (v VendXp) DLUp() bool {
	return uint32(v)&VendXpDLUp != 0
}

// LinkStatus is the value of the link control and status register.
type LinkStatus uint32

// Link control and status bits.
const (
	LinkCtlAspmL0s    uint32 = 1 << 0
	LinkCtlAspmL1     uint32 = 1 << 1
	LinkCtlRetrain    uint32 = 1 << 5
	LinkStaSpeedShift        = 16
	LinkStaSpeedMask         = uint32(0xf) << LinkStaSpeedShift
	LinkStaWidthShift        = 20
	LinkStaWidthMask         = uint32(0x3f) << LinkStaWidthShift
	LinkStaTraining   uint32 = 1 << 27
	LinkStaDLActive   uint32 = 1 << 29
	LinkStaLBMS       uint32 = 1 << 30
)

// DLActive reports whether the data link layer is active.
func (s LinkStatus) DLActive() bool {
	return uint32(s)&LinkStaDLActive != 0
}

// Training reports whether link training is in progress.
func (s LinkStatus) Training() bool {
	return uint32(s)&LinkStaTraining != 0
}

// Width returns the negotiated lane width.
func (s LinkStatus) Width() int {
	return int((uint32(s) & LinkStaWidthMask) >> LinkStaWidthShift)
}

// Speed returns the negotiated link generation.
func (s LinkStatus) Speed() int {
	return int((uint32(s) & LinkStaSpeedMask) >> LinkStaSpeedShift)
}

// Link speeds as encoded in the target and negotiated speed fields.
const (
	LinkSpeedGen1 = 1
	LinkSpeedGen2 = 2
)

// Link control 2 fields.
const (
	LinkCtl2TargetSpeedMask uint32 = 0xf
)

// RP_VEND_XP1 bits.
const (
	VendXp1L1AspmSupport uint32 = 1 << 21
)

// RP_VEND_CTL1 bits.
const (
	VendCtl1Erpt uint32 = 1 << 13
)

// RP_AER_CTL bits.
const (
	AerCtlHide uint32 = 1 << 0
)

// RP_VEND_XP_BIST bits.
const (
	VendXpBistGotoL1L2AfterDllpDone uint32 = 1 << 28
)

// RP_VEND_XP_PAD_PWRDN bits.
const (
	PadPwrdnL1  uint32 = 1 << 0
	PadPwrdnL11 uint32 = 1 << 1
	PadPwrdnL12 uint32 = 1 << 2
)

// RP_VEND_CTL2 fields.
const (
	VendCtl2PcaEnable           uint32 = 1 << 7
	VendCtl2L1ssWakeHoldoffMask        = uint32(0xff) << 8
	VendCtl2L1ssWakeHoldoff            = uint32(0x30) << 8
)

// RP_PRIV_MISC fields.
const (
	PrivMiscPrsntMapMask    uint32 = 0xf
	PrivMiscPrsntMapPresent uint32 = 0xe
	PrivMiscPrsntMapAbsent  uint32 = 0xf
	PrivMiscCtlrClkClampEn  uint32 = 1 << 23
	PrivMiscTmsClkClampEn   uint32 = 1 << 31
)

// RP_L1_PM_SUBSTATES_CTL bits.
const (
	L1PmSubstatesL12Enable uint32 = 1 << 2
	L1PmSubstatesL11Enable uint32 = 1 << 3
)

// Header credit limits used by the raw violation and perf workarounds.
const (
	RxHdrLimitPwMask    uint32 = 0xff << 8
	RxHdrLimitPw        uint32 = 0x0e << 8
	TxHdrLimitNpt0      uint32 = 0x20
	TxHdrLimitNpt1      uint32 = 0x20 << 8
	PrivXpDlGen2FCMask         = uint32(0x1ff) << 1
	PrivXpDlGen2FC             = uint32(0x90) << 1
	Timeout1RcvrDetMask        = uint32(0xff) << 16
	Timeout1RcvrDet            = uint32(0x30) << 16
)

// RP_LTR_INTR bits.
const (
	LtrIntrEnable uint32 = 0x3
)
