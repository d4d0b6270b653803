package service

// Redis keys
const (
	KeyDFU         = "dfu"
	KeyCommandList = "scooter:dfu"
)

// Fields of the dfu hash
const (
	FieldStatus      = "status"
	FieldControl     = "control"
	FieldSlot        = "slot"
	FieldOffset      = "offset"
	FieldSession     = "session"
	FieldLastResult  = "last-result"
	FieldLastWritten = "last-written"
	FieldBLEVersion  = "ble-version"
)

const (
	SessionActive = "active"
	SessionIdle   = "idle"
	SlotNone      = "none"
)

// Commands accepted on the command list
const (
	CommandReset             = "reset"
	CommandPublish           = "publish"
	CommandStatusPrefix      = "status:"
	CommandAssignPrefix      = "assign:"
	CommandAdvStartWhitelist = "advertising-start-with-whitelisting"
	CommandAdvRestart        = "advertising-restart-no-whitelisting"
	CommandAdvStop           = "advertising-stop"
)
