package proto

import "fmt"

// PID identifies a module. It is both the address of a message and the owner
// of a memory block.
type PID uint8

const (
	KerSchedPID  PID = 2
	KerMemPID    PID = 3
	TimerPID     PID = 4
	ADCPID       PID = 5
	KerSensorPID PID = 6
	UserPID      PID = 7
	KerLogPID    PID = 8
	RadioPID     PID = 9
	MonitorPID   PID = 10
	MsgQueuePID  PID = 11
	FntablePID   PID = 12

	KerModMaxPID PID = 63
	DevModMinPID PID = 64
	AppModMinPID PID = 128
	AppModMaxPID PID = 223

	// ThreadMinPID is the first id handed out to spawned modules.
	ThreadMinPID PID = 224
	MaxPID       PID = 254

	// NullPID is never registered. Free memory is owned by NullPID.
	NullPID PID = 255
)

func (p PID) String() string {
	switch p {
	case KerSchedPID:
		return "sched"
	case KerMemPID:
		return "mem"
	case TimerPID:
		return "timer"
	case ADCPID:
		return "adc"
	case KerSensorPID:
		return "sensor"
	case UserPID:
		return "user"
	case KerLogPID:
		return "log"
	case RadioPID:
		return "radio"
	case MonitorPID:
		return "monitor"
	case MsgQueuePID:
		return "msgq"
	case FntablePID:
		return "fntable"
	case NullPID:
		return "null"
	default:
		return fmt.Sprintf("pid%d", uint8(p))
	}
}

// Reserved reports whether p names a kernel facility rather than a module.
// Reserved pids own kernel records and cannot be registered.
func (p PID) Reserved() bool {
	switch p {
	case KerSchedPID, TimerPID, UserPID, RadioPID, MonitorPID, MsgQueuePID, FntablePID, NullPID:
		return true
	}
	return false
}

// Type is the message type tag.
type Type uint8

const (
	MsgInit Type = iota
	MsgDebug
	MsgTimerTimeout
	MsgPktSendDone
	MsgDataReady
	MsgTimer3Timeout
	MsgFinal
	MsgFromUser
	MsgGetData
	MsgSendPacket
	MsgDFuncRemoved
	MsgFuncUserRemoved
	MsgFetcherDone
	MsgModuleOp
	MsgCalDataReady
	MsgError
	MsgTimestamp
	MsgDiscovery

	MsgCommTest Type = 21

	MsgKerUnknown Type = 31

	// ModMsgStart is the first type available to modules.
	ModMsgStart Type = 32
)

func (t Type) String() string {
	switch t {
	case MsgInit:
		return "init"
	case MsgDebug:
		return "debug"
	case MsgTimerTimeout:
		return "timeout"
	case MsgPktSendDone:
		return "senddone"
	case MsgDataReady:
		return "data_ready"
	case MsgTimer3Timeout:
		return "timer3"
	case MsgFinal:
		return "final"
	case MsgFromUser:
		return "from_user"
	case MsgGetData:
		return "get_data"
	case MsgSendPacket:
		return "send_packet"
	case MsgDFuncRemoved:
		return "dfunc_removed"
	case MsgFuncUserRemoved:
		return "func_user_removed"
	case MsgFetcherDone:
		return "fetcher_done"
	case MsgModuleOp:
		return "module_op"
	case MsgCalDataReady:
		return "cal_data_ready"
	case MsgError:
		return "error"
	case MsgTimestamp:
		return "timestamp"
	case MsgDiscovery:
		return "discovery"
	case MsgCommTest:
		return "comm_test"
	case MsgKerUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("type%d", uint8(t))
	}
}

const (
	// BroadcastAddr reaches every node on a link.
	BroadcastAddr uint16 = 0xFFFF
	// UARTAddr is the node address of the host on the far end of a serial link.
	UARTAddr uint16 = 0x8000

	// InlinePayload is the size of the payload buffer carried in a message header.
	InlinePayload = 4
	// MaxPayload is the largest payload a message can describe.
	MaxPayload = 255
)
