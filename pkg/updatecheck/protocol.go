// Package updatecheck talks to the update server: it asks whether an update
// is available, reports progress events, and turns an update response into
// an install plan.
package updatecheck

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/pkg/errors"
)

// ProtocolVersion is sent with every request.
const ProtocolVersion = "1.0"

// Response status values.
const (
	StatusOK       = "ok"
	StatusNoUpdate = "noupdate"
)

// EventType is the kind of event reported to the server.
type EventType int

const (
	EventUnknown                EventType = 0
	EventUpdateComplete         EventType = 3
	EventUpdateDownloadStarted  EventType = 13
	EventUpdateDownloadFinished EventType = 14
	EventRebootedAfterUpdate    EventType = 54
)

// EventResult is the outcome an event reports.
type EventResult int

const (
	EventResultError          EventResult = 0
	EventResultSuccess        EventResult = 1
	EventResultSuccessReboot  EventResult = 2
	EventResultUpdateDeferred EventResult = 9
)

// Event is reported instead of asking for an update.
type Event struct {
	Type      EventType      `json:"type"`
	Result    EventResult    `json:"result"`
	ErrorCode errorcode.Code `json:"error_code,omitempty"`
}

// Params are the device's facts and wishes sent with each request.
type Params struct {
	ServerURL string

	AppID               string
	AppVersion          string
	PreviousVersion     string
	Board               string
	MachineID           string
	Channel             string
	TargetVersionPrefix string
	RollbackAllowed     bool
	Interactive         bool
	DeltaOK             bool
}

// Request is the body POSTed to the update server.
type Request struct {
	Protocol            string `json:"protocol"`
	AppID               string `json:"app_id"`
	Version             string `json:"version"`
	PreviousVersion     string `json:"previous_version,omitempty"`
	Board               string `json:"board,omitempty"`
	MachineID           string `json:"machine_id,omitempty"`
	Channel             string `json:"channel,omitempty"`
	TargetVersionPrefix string `json:"target_version_prefix,omitempty"`
	RollbackAllowed     bool   `json:"rollback_allowed,omitempty"`
	Interactive         bool   `json:"interactive,omitempty"`
	DeltaOK             bool   `json:"delta_okay"`
	UpdateCheck         bool   `json:"update_check,omitempty"`
	Ping                bool   `json:"ping,omitempty"`
	Event               *Event `json:"event,omitempty"`
}

// NewRequest builds a request carrying p. With a nil event it is an update
// check, unless ping is set.
func (p Params) NewRequest(event *Event, ping bool) *Request {
	return &Request{
		Protocol:            ProtocolVersion,
		AppID:               p.AppID,
		Version:             p.AppVersion,
		PreviousVersion:     p.PreviousVersion,
		Board:               p.Board,
		MachineID:           p.MachineID,
		Channel:             p.Channel,
		TargetVersionPrefix: p.TargetVersionPrefix,
		RollbackAllowed:     p.RollbackAllowed,
		Interactive:         p.Interactive,
		DeltaOK:             p.DeltaOK,
		UpdateCheck:         event == nil && !ping,
		Ping:                ping,
		Event:               event,
	}
}

// IsEvent reports whether the request only carries an event or ping.
func (r *Request) IsEvent() bool {
	return !r.UpdateCheck
}

// Response is the server's answer to an update check.
type Response struct {
	Status string `json:"status"`

	Version    string              `json:"version,omitempty"`
	Payloads   []ResponsePayload   `json:"payloads,omitempty"`
	Partitions []ResponsePartition `json:"partitions,omitempty"`

	// PollInterval, in seconds, overrides the periodic check interval.
	PollInterval int64 `json:"poll_interval,omitempty"`

	Powerwash                bool `json:"powerwash,omitempty"`
	DisablePayloadBackoff    bool `json:"disable_payload_backoff,omitempty"`
	DisableP2PForDownloading bool `json:"disable_p2p_for_downloading,omitempty"`
	DisableP2PForSharing     bool `json:"disable_p2p_for_sharing,omitempty"`
	MaxDaysToScatter         int  `json:"max_days_to_scatter,omitempty"`
	MaxFailureCountPerURL    int  `json:"max_failure_count_per_url,omitempty"`
}

// ResponsePayload describes one downloadable payload.
type ResponsePayload struct {
	URLs         []string `json:"urls"`
	Size         int64    `json:"size"`
	MetadataSize int64    `json:"metadata_size,omitempty"`
	Hash         string   `json:"hash"`
	Type         string   `json:"type,omitempty"`
	Partition    string   `json:"partition,omitempty"`
}

// ResponsePartition describes a partition of the new image.
type ResponsePartition struct {
	Name                string `json:"name"`
	Size                int64  `json:"size"`
	Hash                string `json:"hash,omitempty"`
	RunPostinstall      bool   `json:"run_postinstall,omitempty"`
	PostinstallPath     string `json:"postinstall_path,omitempty"`
	FilesystemType      string `json:"filesystem_type,omitempty"`
	PostinstallOptional bool   `json:"postinstall_optional,omitempty"`
}

// UpdateExists reports whether the response offers an update.
func (r *Response) UpdateExists() bool {
	return r.Status == StatusOK
}

// Validate checks that an update response can be installed.
func (r *Response) Validate() error {
	switch r.Status {
	case StatusNoUpdate:
		return nil
	case StatusOK:
	default:
		return errors.Errorf("unknown response status %q", r.Status)
	}
	if r.Version == "" {
		return errors.New("update has no version")
	}
	if len(r.Payloads) == 0 {
		return errors.New("update has no payloads")
	}
	for i, p := range r.Payloads {
		if len(p.URLs) == 0 {
			return errors.Errorf("payload %d has no urls", i)
		}
		if p.Size <= 0 {
			return errors.Errorf("payload %d has no size", i)
		}
		if _, err := hex.DecodeString(p.Hash); err != nil || len(p.Hash) != sha256.Size*2 {
			return errors.Errorf("payload %d has an invalid hash %q", i, p.Hash)
		}
		switch payload.Type(p.Type) {
		case "", payload.TypeFull, payload.TypeDelta:
		default:
			return errors.Errorf("payload %d has unknown type %q", i, p.Type)
		}
	}
	for _, part := range r.Partitions {
		if part.Name == "" {
			return errors.New("partition without a name")
		}
	}
	return nil
}

// IsDelta reports whether any payload is a delta.
func (r *Response) IsDelta() bool {
	for _, p := range r.Payloads {
		if payload.Type(p.Type) == payload.TypeDelta {
			return true
		}
	}
	return false
}

// Signature identifies the payload set. Two responses offering the same
// payloads from the same URLs have the same signature.
func (r *Response) Signature() string {
	h := sha256.New()
	h.Write([]byte(r.Version))
	for _, p := range r.Payloads {
		h.Write([]byte{0})
		h.Write([]byte(p.Hash))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(p.URLs, "\n")))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// payloads converts the response payloads for an install plan.
func (r *Response) payloads() []payload.Payload {
	out := make([]payload.Payload, 0, len(r.Payloads))
	for _, p := range r.Payloads {
		typ := payload.Type(p.Type)
		if typ == "" {
			typ = payload.TypeFull
		}
		out = append(out, payload.Payload{
			URLs:         p.URLs,
			Size:         p.Size,
			MetadataSize: p.MetadataSize,
			Hash:         strings.ToLower(p.Hash),
			Type:         typ,
			Partition:    p.Partition,
		})
	}
	return out
}

func (r *Response) partitions() []payload.Partition {
	out := make([]payload.Partition, 0, len(r.Partitions))
	for _, p := range r.Partitions {
		out = append(out, payload.Partition{
			Name:                p.Name,
			TargetSize:          p.Size,
			TargetHash:          strings.ToLower(p.Hash),
			RunPostinstall:      p.RunPostinstall,
			PostinstallPath:     p.PostinstallPath,
			FilesystemType:      p.FilesystemType,
			PostinstallOptional: p.PostinstallOptional,
		})
	}
	return out
}
