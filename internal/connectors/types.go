package connectors

import (
	"encoding/json"
	"time"
)

// ConnectionState describes a device connection lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a bus event snapshot of a connection (progress channel, dashboard, serial).
type ConnectionStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

// SessionKind tells what an upload session carries.
type SessionKind string

const (
	SessionKindFirmware SessionKind = "firmware"
	SessionKindData     SessionKind = "data"
)

// UploadProgress is a device-reported progress event attributed to the file in flight.
type UploadProgress struct {
	Token   string
	Kind    SessionKind
	File    string
	Index   int
	Count   int
	Loaded  int64
	Total   int64
	Percent int
}

// TransferOutcome is the definitive result of one file transfer.
type TransferOutcome struct {
	Token      string
	Kind       SessionKind
	File       string
	Index      int
	Count      int
	Succeeded  bool
	StatusCode int
	Err        string
}

// RestartStatus reports restart watch progress. Final is set on the terminal event.
type RestartStatus struct {
	Host       string
	Phase      string
	Attempts   int
	SawOffline bool
	Restarted  bool
	Elapsed    time.Duration
	Total      time.Duration
	Err        string
	Final      bool
	Timestamp  time.Time
}

// SessionStatus summarizes a finished upload session.
type SessionStatus struct {
	Token             string
	Kind              SessionKind
	Host              string
	StartedAt         time.Time
	FinishedAt        time.Time
	Planned           int
	Succeeded         int
	Failed            int
	Aborted           bool
	ProgressAvailable bool
	Files             []TransferOutcome
	Restart           *RestartStatus
	Err               string
}

// DashboardMessage is an inbound dashboard message routed by its type field.
type DashboardMessage struct {
	Type string
	Raw  json.RawMessage
}

// SerialLine is one console line read from the device's serial port.
type SerialLine struct {
	Port      string
	Text      string
	Timestamp time.Time
}
