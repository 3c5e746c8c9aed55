// Package protocol routes envelopes between transports and typed handlers.
package protocol

import (
	"strings"

	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/link"
)

// Message types.
const (
	TypePing                = "PING"
	TypePong                = "PONG"
	TypeError               = "ERROR"
	TypeWiFiConfig          = "WIFI_CONFIG"
	TypeWiFiStatus          = "WIFI_STATUS"
	TypeSetupStatus         = "SETUP_STATUS"
	TypeDeviceInfo          = "DEVICE_INFO"
	TypeRestartProvisioning = "RESTART_PROVISIONING"
	TypeGameState           = "GAME_STATE"
	TypeMoveDetected        = "MOVE_DETECTED"
	TypeMoveConfirm         = "MOVE_CONFIRM"
	TypeLEDControl          = "LED_CONTROL"
	TypeHapticFeedback      = "HAPTIC_FEEDBACK"
)

// Error codes carried in ERROR messages.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeHandlerError       = "HANDLER_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeStorageFailed      = "STORAGE_FAILED"
)

// Status values of SETUP_STATUS.
const (
	StatusScanning   = "scanning"
	StatusConnecting = "connecting"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Phases of SETUP_STATUS, following the provisioning progress.
const (
	PhaseReady      = "ready"
	PhaseAck        = "ack"
	PhaseConnecting = "connecting"
	PhaseSuccess    = "success"
	PhaseError      = "error"
)

// ErrorData is the payload of ERROR.
type ErrorData struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Details      string `json:"details"`
}

// Pong is the payload of PONG.
type Pong struct {
	OriginalTimestamp uint64 `json:"originalTimestamp"`
	ResponseTimestamp uint64 `json:"responseTimestamp"`
}

// SetupStatus is the payload of SETUP_STATUS.
type SetupStatus struct {
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
	Timestamp uint64 `json:"timestamp"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// WiFi link status values.
const (
	WiFiConnected = "CONNECTED"
	WiFiFailed    = "FAILED"
)

// WiFiStatus is the payload of WIFI_STATUS.
type WiFiStatus struct {
	Status         string `json:"status"`
	IPAddress      string `json:"ipAddress"`
	SignalStrength int    `json:"signalStrength"`
	ErrorMessage   string `json:"errorMessage"`
}

// DeviceInfo is the payload of DEVICE_INFO.
type DeviceInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	DeviceID     string   `json:"deviceId"`
	SessionID    string   `json:"sessionId"`
}

// WiFiConfig is the payload of WIFI_CONFIG.
type WiFiConfig struct {
	SSID         string `json:"ssid"`
	Password     string `json:"password,omitempty"`
	Pass         string `json:"pass,omitempty"`
	SecurityType string `json:"securityType,omitempty"`
}

// ParseWiFiConfig extracts credentials from WIFI_CONFIG data. password is
// used unless it is missing, empty or the literal "null", then pass.
func ParseWiFiConfig(data envelope.Data) (link.Credentials, error) {
	ssid, _ := data.String("ssid")
	secret := secretOf(data, "password")
	if secret == "" {
		secret = secretOf(data, "pass")
	}
	return link.NewCredentials(strings.TrimSpace(ssid), secret)
}

func secretOf(data envelope.Data, key string) string {
	s, ok := data.String(key)
	if !ok || s == "null" {
		return ""
	}
	return s
}
