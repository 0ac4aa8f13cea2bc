package msp

import "encoding/json"

// Raw wire records. The portal has shipped several field spellings over
// time; each raw type carries the candidate keys and normalization picks
// the first usable one.

type rawBox struct {
	ID      string `json:"id"`
	GID     string `json:"gid"`
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Model   string `json:"model"`
	Version string `json:"version"`
	Online  bool   `json:"online"`
}

type rawDevice struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	IP                  string  `json:"ip"`
	MAC                 string  `json:"mac"`
	MacVendor           string  `json:"macVendor"`
	GID                 string  `json:"gid"`
	BoxID               string  `json:"boxId"`
	Online              *bool   `json:"online"`
	LastActiveTimestamp float64 `json:"lastActiveTimestamp"` // ms since epoch
	TotalUpload         int64   `json:"totalUpload"`
	TotalDownload       int64   `json:"totalDownload"`
}

type rawAlarm struct {
	ID       string      `json:"id"`
	AID      json.Number `json:"aid"`
	Severity string      `json:"severity"`
	Message  string      `json:"message"`
	GID      string      `json:"gid"`
	TS       float64     `json:"ts"` // seconds since epoch, may carry ms fraction
	Resolved bool        `json:"resolved"`
}

type rawTarget struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type rawRule struct {
	ID     string    `json:"id"`
	Action string    `json:"action"`
	Target rawTarget `json:"target"`
	Status string    `json:"status"` // "active" or "paused"
	GID    string    `json:"gid"`
}

type rawFlowEndpoint struct {
	IP string `json:"ip"`
}

type rawFlowDevice struct {
	ID string `json:"id"`
}

type rawFlow struct {
	ID          string          `json:"id"`
	TS          float64         `json:"ts"`
	GID         string          `json:"gid"`
	Device      rawFlowDevice   `json:"device"`
	Source      rawFlowEndpoint `json:"source"`
	Destination rawFlowEndpoint `json:"destination"`
	Upload      int64           `json:"upload"`
	Download    int64           `json:"download"`
}
