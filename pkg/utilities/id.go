package utilities

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// NewRequestID generates a UUIDv4 for request correlation. The backend
// expects this value in the X-Request-ID header.
func NewRequestID() string {
	return uuid.NewString()
}

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewInstanceID generates an identifier for this client process, attached to
// every diagnostic event so interleaved processes can be told apart in
// aggregated logs. Uses a snowflake ID with the node taken from the
// SNOWFLAKE_NODE environment variable, defaulting to node 1.
func NewInstanceID() string {
	nodeEnv := os.Getenv("SNOWFLAKE_NODE")
	if nodeEnv == "" {
		return newSnowflakeIDWithNode(1)
	}
	nodeID, err := strconv.ParseInt(nodeEnv, 10, 64)
	if err != nil {
		return newSnowflakeIDWithNode(1)
	}
	return newSnowflakeIDWithNode(nodeID)
}

// newSnowflakeIDWithNode generates a snowflake ID string using the provided
// node ID. If the node cannot be initialized, it falls back to a KSUID string.
func newSnowflakeIDWithNode(nodeID int64) string {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return NewKSUID()
	}
	return node.Generate().String()
}
