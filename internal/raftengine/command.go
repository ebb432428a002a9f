package raftengine

import "time"

// PutCommand is one replicated ledger write. Every replica applies it to its
// local store in commit order.
type PutCommand struct {
	PartitionID    uint8  `json:"partition_id"`
	Key            string `json:"key"`
	Value          []byte `json:"value"`
	TxID           string `json:"tx_id"`
	AckToken       string `json:"ack_token,omitempty"`
	TimestampUTCNs int64  `json:"timestamp_utc_ns"`
}

func (c *PutCommand) FillTimestamp() {
	if c.TimestampUTCNs == 0 {
		c.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}
