// Package commands provides the protocol identifiers exchanged between UDA
// clients and servers.
//
// Every message starts with one of these identifiers so the receiver can
// tell a security block from a request, a reply or a closedown.
package commands

// Protocol group boundaries
const (
	PROTOCOL_REGULAR_START = 0  // Regular data protocol group
	PROTOCOL_REGULAR_STOP  = 99 // End of regular group
)

// Regular protocol identifiers
const (
	PROTOCOL_REQUEST_BLOCK  = PROTOCOL_REGULAR_START + 1  // Data request
	PROTOCOL_DATA_BLOCK     = PROTOCOL_REGULAR_START + 2  // Data reply
	PROTOCOL_CLIENT_BLOCK   = PROTOCOL_REGULAR_START + 10 // Client identity
	PROTOCOL_SERVER_BLOCK   = PROTOCOL_REGULAR_START + 11 // Server state
	PROTOCOL_CLOSEDOWN      = PROTOCOL_REGULAR_START + 13 // Orderly connection close
	PROTOCOL_SECURITY_BLOCK = PROTOCOL_REGULAR_START + 17 // Authentication handshake round
)

// Version and method identifiers carried in the security block
const (
	// UDA_SECURITY_VERSION is the first protocol version that requires
	// mutual authentication.
	UDA_SECURITY_VERSION = 7

	// ENCRYPTION_RSA_OAEP_SHA256 identifies the token envelope cipher.
	ENCRYPTION_RSA_OAEP_SHA256 = 1
)

// CommandType represents the different kinds of protocol identifiers
type CommandType int

const (
	RequestCommand CommandType = iota
	ReplyCommand
	SecurityCommand
	ControlCommand
)

// CommandInfo holds information about a protocol identifier
type CommandInfo struct {
	Name        string      // Human-readable name
	Code        int         // Integer code
	Type        CommandType // Category
	Description string      // Brief description
}

var commandTable = map[int]CommandInfo{
	PROTOCOL_REQUEST_BLOCK: {
		Name:        "PROTOCOL_REQUEST_BLOCK",
		Code:        PROTOCOL_REQUEST_BLOCK,
		Type:        RequestCommand,
		Description: "Authenticated data request",
	},
	PROTOCOL_DATA_BLOCK: {
		Name:        "PROTOCOL_DATA_BLOCK",
		Code:        PROTOCOL_DATA_BLOCK,
		Type:        ReplyCommand,
		Description: "Authenticated data reply",
	},
	PROTOCOL_CLIENT_BLOCK: {
		Name:        "PROTOCOL_CLIENT_BLOCK",
		Code:        PROTOCOL_CLIENT_BLOCK,
		Type:        SecurityCommand,
		Description: "Client identity claim",
	},
	PROTOCOL_SERVER_BLOCK: {
		Name:        "PROTOCOL_SERVER_BLOCK",
		Code:        PROTOCOL_SERVER_BLOCK,
		Type:        SecurityCommand,
		Description: "Server authorization state",
	},
	PROTOCOL_CLOSEDOWN: {
		Name:        "PROTOCOL_CLOSEDOWN",
		Code:        PROTOCOL_CLOSEDOWN,
		Type:        ControlCommand,
		Description: "Close the connection",
	},
	PROTOCOL_SECURITY_BLOCK: {
		Name:        "PROTOCOL_SECURITY_BLOCK",
		Code:        PROTOCOL_SECURITY_BLOCK,
		Type:        SecurityCommand,
		Description: "Mutual authentication handshake round",
	},
}

// GetCommandInfo returns information about a protocol identifier
func GetCommandInfo(code int) (CommandInfo, bool) {
	info, exists := commandTable[code]
	return info, exists
}

// GetCommandName returns the name of a protocol identifier, or "" if unknown
func GetCommandName(code int) string {
	if info, exists := commandTable[code]; exists {
		return info.Name
	}
	return ""
}

// GetCommandCode returns the code for a protocol identifier name
func GetCommandCode(name string) (int, bool) {
	for _, info := range commandTable {
		if info.Name == name {
			return info.Code, true
		}
	}
	return 0, false
}

// IsValidCommand checks if a protocol identifier is known
func IsValidCommand(code int) bool {
	_, exists := commandTable[code]
	return exists
}
