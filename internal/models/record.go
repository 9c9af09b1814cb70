package models

import (
	"encoding/json"
)

// RecordPayload is the JSON document committed to the network for one attestation.
// PrevTX and PrevCID are null on the first record of a chain.
type RecordPayload struct {
	PI       string          `json:"pi"`
	Ver      int64           `json:"ver"`
	CID      string          `json:"cid"`
	Op       string          `json:"op"`
	Vis      string          `json:"vis"`
	TS       int64           `json:"ts"`
	PrevTX   *string         `json:"prev_tx"`
	PrevCID  *string         `json:"prev_cid"`
	Seq      int64           `json:"seq"`
	Manifest json.RawMessage `json:"manifest"`
}

// Tag names attached to the transport envelope of every record.
const (
	TagContentType = "Content-Type"
	TagAppName     = "App-Name"
	TagType        = "Type"
	TagPI          = "PI"
	TagVer         = "Ver"
	TagCID         = "CID"
	TagOp          = "Op"
	TagVis         = "Vis"
	TagSeq         = "Seq"
	TagPrevTX      = "Prev-TX"
	TagPrevCID     = "Prev-CID"

	// TypeAttestation is the Type tag value all records carry.
	TypeAttestation = "attestation"
)

// LookupEntry is the value written to the lookup index under
// attest:{entity}:{ver} and attest:{entity}:latest.
type LookupEntry struct {
	CID     string `json:"cid"`
	TX      string `json:"tx"`
	Seq     int64  `json:"seq"`
	TS      int64  `json:"ts"`
	Bundled bool   `json:"bundled,omitempty"`
}
