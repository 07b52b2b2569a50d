package domain

import "fmt"

type Role string

const (
	RoleCardReader      Role = "card_reader"
	RoleRelayController Role = "relay_controller"
)

func (r Role) Valid() bool {
	return r == RoleCardReader || r == RoleRelayController
}

// Roles lists every role in a stable order.
func Roles() []Role {
	return []Role{RoleCardReader, RoleRelayController}
}

type Kind string

const (
	KindCardReaderTest Kind = "card_reader_test"
	KindRelayTest      Kind = "relay_test"
	KindIntegratedTest Kind = "integrated_test"
	KindGateTrigger    Kind = "gate_trigger"
	KindConnectionTest Kind = "connection_test"
)

// Roles returns the roles an operation of this kind locks. requested is the role the
// caller named; it only matters for kinds that work on either role.
func (k Kind) Roles(requested Role) ([]Role, error) {
	switch k {
	case KindCardReaderTest:
		return []Role{RoleCardReader}, nil
	case KindRelayTest, KindGateTrigger:
		return []Role{RoleRelayController}, nil
	case KindIntegratedTest:
		return []Role{RoleCardReader, RoleRelayController}, nil
	case KindConnectionTest:
		if !requested.Valid() {
			return nil, fmt.Errorf("invalid role %q", requested)
		}
		return []Role{requested}, nil
	default:
		return nil, fmt.Errorf("invalid kind %q", k)
	}
}

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusWarning, StatusError, StatusStopped:
		return true
	}
	return false
}

type Phase string

const (
	PhaseNone          Phase = ""
	PhaseConnecting    Phase = "connecting"
	PhaseWaitingCard   Phase = "waiting_card"
	PhaseReadingCard   Phase = "reading_card"
	PhaseAccessGranted Phase = "access_granted"
	PhaseAccessDenied  Phase = "access_denied"
	PhaseTimeout       Phase = "timeout"
	PhaseCompleted     Phase = "completed"
)

// Operation is a point-in-time snapshot of an operation record.
type Operation struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind" enum:"card_reader_test,relay_test,integrated_test,gate_trigger,connection_test"`
	Role        Role           `json:"role" enum:"card_reader,relay_controller"`
	Status      Status         `json:"status" enum:"pending,running,success,warning,error,stopped"`
	Phase       Phase          `json:"phase,omitempty"`
	Details     []string       `json:"details"`
	DetailCount int            `json:"detail_count"`
	Result      map[string]any `json:"result,omitempty"`
	Relays      []bool         `json:"relays,omitempty"`
	StartedAt   string         `json:"started_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	FinishedAt  string         `json:"finished_at,omitempty" format:"date-time"`
}

// Params tunes a single operation. Zero values select configured defaults.
type Params struct {
	ID              string `json:"id,omitempty" doc:"Operation id; generated when empty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	Continuous      bool   `json:"continuous,omitempty"`
	Channels        []int  `json:"channels,omitempty"`
	HoldMillis      int    `json:"hold_ms,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Channel         int    `json:"channel,omitempty"`
	Path            string `json:"path,omitempty"`
	BaudRate        int    `json:"baud_rate,omitempty"`
}

type Assignment struct {
	Role       Role   `json:"role" enum:"card_reader,relay_controller"`
	DeviceKey  string `json:"device_key"`
	DevicePath string `json:"device_path,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty" format:"date-time"`
}

type OperationRun struct {
	Seq         int64          `json:"seq"`
	OperationID string         `json:"operation_id"`
	Kind        Kind           `json:"kind"`
	Role        Role           `json:"role"`
	Status      Status         `json:"status"`
	Phase       Phase          `json:"phase,omitempty"`
	Details     []string       `json:"details"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   string         `json:"started_at" format:"date-time"`
	FinishedAt  string         `json:"finished_at" format:"date-time"`
}

type AccessEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Identifier  string `json:"identifier" doc:"Masked card identifier"`
	Granted     bool   `json:"granted"`
	Reason      string `json:"reason,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type USBDevice struct {
	Bus          int    `json:"bus"`
	Device       int    `json:"device"`
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	Description  string `json:"description"`
	DevicePath   string `json:"device_path"`
}

// Key returns the device key used in assignments.
func (d USBDevice) Key() string {
	return "usb:" + d.VendorID + ":" + d.ProductID
}

type SerialPort struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	Type         string `json:"type" enum:"USB-Serial,USB-CDC"`
	Accessible   bool   `json:"accessible"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

type HIDDevice struct {
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	HIDID string `json:"hid_id,omitempty"`
}

type Inventory struct {
	USBDevices  []USBDevice  `json:"usb_devices"`
	SerialPorts []SerialPort `json:"serial_ports"`
	HIDDevices  []HIDDevice  `json:"hid_devices"`
}

type ConnectionResult struct {
	OperationID string `json:"operation_id"`
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}
