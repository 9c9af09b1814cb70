package models

import (
	"encoding/json"
)

// Manifest is the content document embedded into an attestation record.
// Raw holds the decompressed JSON exactly as the producer stored it;
// Ver is the numeric version every manifest must carry.
type Manifest struct {
	CID string
	Raw json.RawMessage
	Ver int64
}
