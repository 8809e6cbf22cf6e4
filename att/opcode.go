package att

// ATT opcodes (Bluetooth Core Spec Vol 3, Part F, Section 3.4.8).
const (
	OpErrorRsp uint8 = 0x01

	OpExchangeMTUReq uint8 = 0x02
	OpExchangeMTURsp uint8 = 0x03

	OpFindInfoReq        uint8 = 0x04
	OpFindInfoRsp        uint8 = 0x05
	OpFindByTypeValueReq uint8 = 0x06
	OpFindByTypeValueRsp uint8 = 0x07

	OpReadByTypeReq      uint8 = 0x08
	OpReadByTypeRsp      uint8 = 0x09
	OpReadReq            uint8 = 0x0A
	OpReadRsp            uint8 = 0x0B
	OpReadBlobReq        uint8 = 0x0C
	OpReadBlobRsp        uint8 = 0x0D
	OpReadMultReq        uint8 = 0x0E
	OpReadMultRsp        uint8 = 0x0F
	OpReadByGroupReq     uint8 = 0x10
	OpReadByGroupRsp     uint8 = 0x11
	OpReadMultVariableReq uint8 = 0x20
	OpReadMultVariableRsp uint8 = 0x21

	OpWriteReq uint8 = 0x12
	OpWriteRsp uint8 = 0x13
	OpWriteCmd uint8 = 0x52

	OpPrepareWriteReq uint8 = 0x16
	OpPrepareWriteRsp uint8 = 0x17
	OpExecuteWriteReq uint8 = 0x18
	OpExecuteWriteRsp uint8 = 0x19

	OpNotify     uint8 = 0x1B
	OpIndicate   uint8 = 0x1D
	OpConfirm    uint8 = 0x1E
	OpNotifyMult uint8 = 0x23
)

var opcodeNames = map[uint8]string{
	OpErrorRsp:            "Error Response",
	OpExchangeMTUReq:      "Exchange MTU Request",
	OpExchangeMTURsp:      "Exchange MTU Response",
	OpFindInfoReq:         "Find Information Request",
	OpFindInfoRsp:         "Find Information Response",
	OpFindByTypeValueReq:  "Find By Type Value Request",
	OpFindByTypeValueRsp:  "Find By Type Value Response",
	OpReadByTypeReq:       "Read By Type Request",
	OpReadByTypeRsp:       "Read By Type Response",
	OpReadReq:             "Read Request",
	OpReadRsp:             "Read Response",
	OpReadBlobReq:         "Read Blob Request",
	OpReadBlobRsp:         "Read Blob Response",
	OpReadMultReq:         "Read Multiple Request",
	OpReadMultRsp:         "Read Multiple Response",
	OpReadByGroupReq:      "Read By Group Type Request",
	OpReadByGroupRsp:      "Read By Group Type Response",
	OpReadMultVariableReq: "Read Multiple Variable Request",
	OpReadMultVariableRsp: "Read Multiple Variable Response",
	OpWriteReq:            "Write Request",
	OpWriteRsp:            "Write Response",
	OpWriteCmd:            "Write Command",
	OpPrepareWriteReq:     "Prepare Write Request",
	OpPrepareWriteRsp:     "Prepare Write Response",
	OpExecuteWriteReq:     "Execute Write Request",
	OpExecuteWriteRsp:     "Execute Write Response",
	OpNotify:              "Handle Value Notification",
	OpIndicate:            "Handle Value Indication",
	OpConfirm:             "Handle Value Confirmation",
	OpNotifyMult:          "Multiple Handle Value Notification",
}

// OpcodeName returns a human-readable opcode name for logs and traces.
func OpcodeName(op uint8) string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return "Unknown Opcode"
}

// IsResponse reports whether op is a response the client side of a bearer
// consumes (including the confirmation that completes an indication).
func IsResponse(op uint8) bool {
	switch op {
	case OpErrorRsp, OpExchangeMTURsp, OpFindInfoRsp, OpFindByTypeValueRsp,
		OpReadByTypeRsp, OpReadRsp, OpReadBlobRsp, OpReadMultRsp,
		OpReadByGroupRsp, OpReadMultVariableRsp, OpWriteRsp,
		OpPrepareWriteRsp, OpExecuteWriteRsp, OpConfirm:
		return true
	}
	return false
}

// IsServerInitiated reports whether op carries a server-initiated value
// update (notification, indication, or batched notification).
func IsServerInitiated(op uint8) bool {
	return op == OpNotify || op == OpIndicate || op == OpNotifyMult
}

// RspForReq returns the response opcode a request expects, or 0 for
// opcodes that complete without a response.
func RspForReq(req uint8) uint8 {
	switch req {
	case OpExchangeMTUReq:
		return OpExchangeMTURsp
	case OpFindInfoReq:
		return OpFindInfoRsp
	case OpFindByTypeValueReq:
		return OpFindByTypeValueRsp
	case OpReadByTypeReq:
		return OpReadByTypeRsp
	case OpReadReq:
		return OpReadRsp
	case OpReadBlobReq:
		return OpReadBlobRsp
	case OpReadMultReq:
		return OpReadMultRsp
	case OpReadByGroupReq:
		return OpReadByGroupRsp
	case OpReadMultVariableReq:
		return OpReadMultVariableRsp
	case OpWriteReq:
		return OpWriteRsp
	case OpPrepareWriteReq:
		return OpPrepareWriteRsp
	case OpExecuteWriteReq:
		return OpExecuteWriteRsp
	case OpIndicate:
		return OpConfirm
	}
	return 0
}
