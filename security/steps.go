package security

import (
	"crypto/subtle"
	"fmt"
)

// Step numbers the actions of the mutual authentication exchange. A
// message carries the step of the sender's last completed action.
type Step int

const (
	StepNone                     Step = 0
	StepClientIssueToken         Step = 1
	StepServerDecryptClientToken Step = 2
	StepServerEncryptClientToken Step = 3
	StepServerIssueToken         Step = 4
	StepClientDecryptServerToken Step = 5
	StepClientEncryptServerToken Step = 6
	StepServerVerifyToken        Step = 7
	StepContinuation             Step = 8
	StepHousekeeping             Step = 9
)

var stepNames = map[Step]string{
	StepNone:                     "NONE",
	StepClientIssueToken:         "CLIENT_ISSUE_TOKEN",
	StepServerDecryptClientToken: "SERVER_DECRYPT_CLIENT_TOKEN",
	StepServerEncryptClientToken: "SERVER_ENCRYPT_CLIENT_TOKEN",
	StepServerIssueToken:         "SERVER_ISSUE_TOKEN",
	StepClientDecryptServerToken: "CLIENT_DECRYPT_SERVER_TOKEN",
	StepClientEncryptServerToken: "CLIENT_ENCRYPT_SERVER_TOKEN",
	StepServerVerifyToken:        "SERVER_VERIFY_TOKEN",
	StepContinuation:             "CONTINUATION",
	StepHousekeeping:             "HOUSEKEEPING",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STEP_%d", int(s))
}

// wipe overwrites b with zeros.
func wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
