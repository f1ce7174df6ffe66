package cql

import "strconv"

type OpCode = uint8

const (
	OpCodeError        OpCode = 0x00
	OpCodeStartup      OpCode = 0x01
	OpCodeReady        OpCode = 0x02
	OpCodeAuthenticate OpCode = 0x03
	OpCodeOptions      OpCode = 0x05
	OpCodeSupported    OpCode = 0x06
	OpCodeQuery        OpCode = 0x07
	OpCodeResult       OpCode = 0x08
	OpCodePrepare      OpCode = 0x09
	OpCodeExecute      OpCode = 0x0A
	OpCodeRegister     OpCode = 0x0B
	OpCodeEvent        OpCode = 0x0C
)

func OpCodeString(op OpCode) string {
	switch op {
	case OpCodeError:
		return "ERROR"
	case OpCodeStartup:
		return "STARTUP"
	case OpCodeReady:
		return "READY"
	case OpCodeAuthenticate:
		return "AUTHENTICATE"
	case OpCodeOptions:
		return "OPTIONS"
	case OpCodeSupported:
		return "SUPPORTED"
	case OpCodeQuery:
		return "QUERY"
	case OpCodeResult:
		return "RESULT"
	case OpCodePrepare:
		return "PREPARE"
	case OpCodeExecute:
		return "EXECUTE"
	case OpCodeRegister:
		return "REGISTER"
	case OpCodeEvent:
		return "EVENT"
	}
	return "UNKNOWN_0x" + strconv.FormatUint(uint64(op), 16)
}

// Result kind discriminant, first four bytes of a RESULT body.
const (
	ResultKindVoid         int32 = 1
	ResultKindRows         int32 = 2
	ResultKindSetKeyspace  int32 = 3
	ResultKindPrepared     int32 = 4
	ResultKindSchemaChange int32 = 5
)
